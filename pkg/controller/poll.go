package controller

import (
	"fmt"
	"time"

	"github.com/gaskitlink/dispenser-controller/pkg/fsm"
	"github.com/gaskitlink/dispenser-controller/pkg/protocol"
)

// pollLoop is the dedicated worker: drain the pending queue (priority
// over polling), poll status, dispatch the FSM's action, and sleep
// adaptively before the next iteration.
func (c *Controller) pollLoop() {
	defer c.wg.Done()

	for {
		if c.cancelled() {
			return
		}

		c.drainPending()

		if c.cancelled() {
			return
		}

		statusFrame := c.codec.BuildStatus()
		c.fireLog(fmt.Sprintf("TX S: % X", statusFrame), true)
		res := c.exchange(statusFrame)

		if len(res.Frame) == 0 {
			if !c.sleepCancelable(c.GetTimingParams().LinkLostPollDelay) {
				return
			}
			continue
		}
		c.fireLog(fmt.Sprintf("RX S: % X", res.Frame), false)

		status, ok := protocol.ParseStatus(res.Frame)
		if !ok {
			if !c.sleepCancelable(c.GetTimingParams().LinkLostPollDelay) {
				return
			}
			continue
		}

		c.handleStatusResponse(status)

		delay := c.GetTimingParams().InterCommandDelay
		if status.State == protocol.Idle || status.State == protocol.Error {
			delay = c.GetTimingParams().IdlePollDelay
		}
		if !c.sleepCancelable(delay) {
			return
		}
	}
}

func (c *Controller) cancelled() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// sleepCancelable sleeps for d, returning false early if the
// controller was signalled to stop during the sleep.
func (c *Controller) sleepCancelable(d time.Duration) bool {
	select {
	case <-c.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// exchange runs frame through the retry engine and folds its counter
// deltas into the observables.
func (c *Controller) exchange(frame []byte) retryResult {
	res := c.retry.Send(frame, c.retryTiming(), c.stopCh)
	if res.CRCErrorBumps > 0 {
		c.crcErrorCount.Add(int64(res.CRCErrorBumps))
	}
	if res.NoResponseBumped {
		c.noResponseCount.Add(1)
	}
	if res.Oversized {
		c.fireLog("received buffer exceeds MaxFrameSize, falling back to resync", false)
	}
	return retryResult{Frame: res.Frame}
}

type retryResult struct {
	Frame []byte
}

// drainPending flushes every enqueued UI command before the next
// poll step. Each is sent via the retry engine; a non-empty response
// is treated as a status response and folds through the FSM exactly
// like a regular poll cycle.
func (c *Controller) drainPending() {
	c.queueMu.Lock()
	cmds := c.pending
	c.pending = nil
	c.queueMu.Unlock()

	for _, cmd := range cmds {
		if c.cancelled() {
			return
		}
		c.fireLog(fmt.Sprintf("TX %s: % X", cmd.description, cmd.frame), true)
		res := c.exchange(cmd.frame)
		if len(res.Frame) == 0 {
			continue
		}
		c.fireLog(fmt.Sprintf("RX %s: % X", cmd.description, res.Frame), false)
		if status, ok := protocol.ParseStatus(res.Frame); ok {
			c.handleStatusResponse(status)
		}
	}
}

// handleStatusResponse folds a parsed status response through the
// FSM, fires the status callback, and dispatches the resulting
// Action.
func (c *Controller) handleStatusResponse(status protocol.StatusResponse) {
	action := c.fsm.ProcessHardwareStatus(status.State, status.Nozzle)
	curState, curNozzle := c.fsm.Current()
	c.fireStatus(curState, curNozzle)
	c.dispatch(action, status.Nozzle)
}

// dispatch executes the FSM's chosen Action. Latches are marked
// before the corresponding I/O is issued so a failed send is not
// retried automatically (one-shot semantics).
func (c *Controller) dispatch(action fsm.Action, nozzle int) {
	switch action {
	case fsm.PollSR:
		// nothing extra

	case fsm.PollSRLMRS:
		c.sendVolumeReadback()
		c.sendMoneyReadback()

	case fsm.SendTU:
		c.fsm.MarkTUSent()
		c.sendTransactionTotals()

	case fsm.SendC0:
		c.fsm.MarkC0Sent()
		c.sendTotalCounter(nozzle)

	case fsm.SendNO:
		c.fsm.MarkNOSent()
		c.sendAcknowledgeEnd()

	case fsm.IdlePollC0:
		c.fsm.MarkIdleC0Sent()
		c.sendTotalCounter(nozzle)

	default:
		// Exhaustive match is required by the FSM's Action contract;
		// an unrecognised value is a programming error, not a line
		// fault, so it is surfaced via on_error rather than silently
		// dropped.
		c.fireError(fmt.Sprintf("unhandled FSM action %v", action))
	}
}

func (c *Controller) sendVolumeReadback() {
	frame := c.codec.BuildVolumeReadback()
	c.fireLog(fmt.Sprintf("TX L: % X", frame), true)
	res := c.exchange(frame)
	if len(res.Frame) == 0 {
		return
	}
	c.fireLog(fmt.Sprintf("RX L: % X", res.Frame), false)
	vol, ok := protocol.ParseVolume(res.Frame)
	if !ok {
		return
	}
	c.setCurrentLiters(float64(vol.VolumeCL) / 100.0)
	c.fireFuelData(c.CurrentLiters(), c.CurrentMoney())
}

func (c *Controller) sendMoneyReadback() {
	frame := c.codec.BuildMoneyReadback()
	c.fireLog(fmt.Sprintf("TX R: % X", frame), true)
	res := c.exchange(frame)
	if len(res.Frame) == 0 {
		return
	}
	c.fireLog(fmt.Sprintf("RX R: % X", res.Frame), false)
	money, ok := protocol.ParseMoney(res.Frame)
	if !ok {
		return
	}
	c.setCurrentMoney(float64(money.Money))
	c.fireFuelData(c.CurrentLiters(), c.CurrentMoney())
}

func (c *Controller) sendTransactionTotals() {
	frame := c.codec.BuildTransactionTotals()
	c.fireLog(fmt.Sprintf("TX T: % X", frame), true)
	res := c.exchange(frame)
	if len(res.Frame) == 0 {
		return
	}
	c.fireLog(fmt.Sprintf("RX T: % X", res.Frame), false)
	txn, ok := protocol.ParseTransaction(res.Frame)
	if !ok {
		return
	}
	liters := float64(txn.VolumeCL) / 100.0
	money := float64(txn.Money)
	price := float64(txn.Price)
	c.setCurrentLiters(liters)
	c.setCurrentMoney(money)
	c.txDataReady.Store(true)
	c.fireTransactionComplete(liters, money, price)
}

func (c *Controller) sendTotalCounter(nozzle int) {
	frame := c.codec.BuildTotalCounter(nozzle)
	c.fireLog(fmt.Sprintf("TX C: % X", frame), true)
	res := c.exchange(frame)
	if len(res.Frame) == 0 {
		return
	}
	c.fireLog(fmt.Sprintf("RX C: % X", res.Frame), false)
	counter, ok := protocol.ParseTotalCounter(res.Frame)
	if !ok {
		return
	}
	c.setTotalCounter(float64(counter.TotalCL) / 100.0)
}

func (c *Controller) sendAcknowledgeEnd() {
	frame := c.codec.BuildAcknowledgeEnd()
	c.fireLog(fmt.Sprintf("TX N: % X", frame), true)
	res := c.exchange(frame)
	if len(res.Frame) > 0 {
		c.fireLog(fmt.Sprintf("RX N: % X", res.Frame), false)
		if status, ok := protocol.ParseStatus(res.Frame); ok {
			c.handleStatusResponse(status)
		}
	}
	c.sleepCancelable(c.GetTimingParams().PostEndDelay)
}
