// Command dispenser-controller runs the GasKitLink controller core
// against a real serial line, logging every callback. When a Redis
// address is set, the callbacks are mirrored to Redis instead: the
// sink replaces the logging callbacks, so they are no longer logged.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gaskitlink/dispenser-controller/internal/telemetry"
	"github.com/gaskitlink/dispenser-controller/pkg/controller"
	"github.com/gaskitlink/dispenser-controller/pkg/protocol"
)

var (
	serialPort = flag.String("port", "/dev/ttyUSB0", "Serial port device path")
	baudRate   = flag.Int("baud", 9600, "Serial baud rate shown in the startup log; the controller always opens the line at 9600")
	dispenser  = flag.String("addr", "1", "Dispenser address, 1-32")

	redisAddr = flag.String("redis-addr", "", "Optional Redis address for telemetry mirroring (empty disables it)")
	redisPass = flag.String("redis-pass", "", "Redis password")
	redisDB   = flag.Int("redis-db", 0, "Redis database number")

	responseTimeoutMs  = flag.Int("response-timeout-ms", 80, "Total per-exchange response timeout, ms")
	interByteTimeoutMs = flag.Int("inter-byte-timeout-ms", 20, "Inter-byte silence timeout, ms")
	maxRetries         = flag.Int("max-retries", 3, "Max retry attempts per exchange")
	interCommandMs     = flag.Int("inter-command-delay-ms", 10, "Delay between successive commands, ms")
	idlePollMs         = flag.Int("idle-poll-delay-ms", 450, "Poll delay while the dispenser is idle, ms")
	linkLostPollMs     = flag.Int("link-lost-poll-ms", 350, "Poll delay while the line is silent, ms")
	postEndDelayMs     = flag.Int("post-end-delay-ms", 800, "Delay after acknowledging end-of-transaction, ms")
	errorThreshold     = flag.Int("error-threshold", 6, "Consecutive line errors considered a link fault (stored in the timing bundle; the controller does not act on it)")
	forceBufferClear   = flag.Bool("force-buffer-clear", false, "Purge the input buffer before every exchange")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting GasKitLink dispenser controller")
	log.Printf("Serial port: %s @ %d baud, dispenser address %s", *serialPort, *baudRate, *dispenser)

	c := controller.New()
	c.SetTimingParams(controller.TimingParams{
		ResponseTimeout:   time.Duration(*responseTimeoutMs) * time.Millisecond,
		InterByteTimeout:  time.Duration(*interByteTimeoutMs) * time.Millisecond,
		MaxRetries:        *maxRetries,
		InterCommandDelay: time.Duration(*interCommandMs) * time.Millisecond,
		IdlePollDelay:     time.Duration(*idlePollMs) * time.Millisecond,
		LinkLostPollDelay: time.Duration(*linkLostPollMs) * time.Millisecond,
		PostEndDelay:      time.Duration(*postEndDelayMs) * time.Millisecond,
		ErrorThreshold:    *errorThreshold,
		ForceBufferClear:  *forceBufferClear,
	})

	c.OnLog(func(message string, isSent bool) {
		direction := "RX"
		if isSent {
			direction = "TX"
		}
		log.Printf("[%s] %s", direction, message)
	})
	c.OnError(func(message string) {
		log.Printf("ERROR: %s", message)
	})
	c.OnStatusChange(func(state protocol.HardwareState, nozzle int) {
		log.Printf("status: %s nozzle=%d", state.String(), nozzle)
	})
	c.OnFuelData(func(liters, money float64) {
		log.Printf("fuel data: %.2fL %.2f", liters, money)
	})
	c.OnTransactionComplete(func(liters, money, price float64) {
		log.Printf("transaction complete: %.2fL %.2f @ %.2f", liters, money, price)
	})

	if *redisAddr != "" {
		sink, err := telemetry.NewSink(*redisAddr, *redisPass, *redisDB)
		if err != nil {
			log.Printf("Warning: telemetry sink unavailable: %v", err)
		} else {
			defer sink.Close()
			sink.Attach(c)
			log.Printf("Mirroring callbacks to Redis at %s", *redisAddr)
		}
	}

	if err := c.Connect(*serialPort, *dispenser); err != nil {
		log.Fatalf("Failed to connect to dispenser: %v", err)
	}
	log.Printf("Connected, polling started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Printf("Shutting down...")
	c.Disconnect()
}
