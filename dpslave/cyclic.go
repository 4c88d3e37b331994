package dpslave

import "github.com/joao404/profibus-dp-slave/fdl"

// handleCyclicExchange implements the NIL-SAP SRD_LOW/SRD_HIGH cyclic
// data-exchange path (§4.5). Only meaningful once the slave has reached
// DXCHG; a master attempting cyclic exchange any earlier has skipped
// SET_PRM/CHK_CFG and gets no reply, forcing it back through diagnosis
// (§7's general "no error is fatal" recovery pattern).
func (d *DpSlave) handleCyclicExchange(svc fdl.Service) {
	if d.state != DXCHG {
		return
	}

	if len(d.outputData) > 0 && len(svc.PDU) == len(d.outputData) {
		copy(d.outputDataBuffer, svc.PDU)
		if !d.syncActive {
			copy(d.outputData, d.outputDataBuffer)
			d.cfg.Application.UpdateOutputs(d.outputData)
		}
		// Else: SYNC is active; the buffer holds the pending value until
		// the next SYNC global control applies it.
	}

	if !d.freezeActive {
		d.cfg.Application.UpdateInputs(d.inputData)
		copy(d.inputDataBuffer, d.inputData)
	}
	// Else: FREEZE is active; inputDataBuffer keeps its latched value.

	fc := fcDataLow
	if d.extDiag {
		fc = fcDataHigh
	}
	_, _ = d.fdl.TransmitSD2(svc.Source, fc, nil, d.inputDataBuffer)

	d.lastConnectionTimeMs = d.hw.Millis()
	d.watchdogTripped = false
}
