package dpslave

import (
	"bytes"

	"github.com/joao404/profibus-dp-slave/fdl"
)

// OnService implements fdl.ServiceHandler. It is called synchronously by
// the FDL once FCB handling has decided a request is genuinely new (never
// for a detected duplicate, which the FDL answers itself by replaying the
// cached response).
func (d *DpSlave) OnService(svc fdl.Service) {
	if svc.SAP != nil {
		d.onSAPService(svc)
		return
	}
	d.onNilSAPService(svc)
}

func (d *DpSlave) onSAPService(svc fdl.Service) {
	switch svc.SAP.DSAP {
	case sapSetSlaveAddr:
		d.handleSetSlaveAddr(svc)
	case sapGlobalControl:
		d.handleGlobalControl(svc)
	case sapGetCfg:
		d.handleGetCfg(svc)
	case sapSlaveDiagnostic:
		d.handleSlaveDiagnostic(svc)
	case sapSetPrm:
		d.handleSetPrm(svc)
	case sapChkCfg:
		d.handleChkCfg(svc)
	default:
		d.log.Debug("dpslave: request to unknown DSAP %d ignored", svc.SAP.DSAP)
	}
}

func (d *DpSlave) onNilSAPService(svc fdl.Service) {
	switch svc.Primitive {
	case fdl.RequestFDLStatus:
		d.fdl.TransmitSD1(svc.Source, fcFDLStatusResponse)
	case fdl.SRDLow, fdl.SRDHigh:
		d.handleCyclicExchange(svc)
	default:
		d.log.Debug("dpslave: NIL-SAP request primitive 0x%02x ignored", svc.Primitive)
	}
}

// handleSetSlaveAddr implements SAP 55 SET_SLAVE_ADR (§4.5). Accepted
// only in WPRM. PDU: {new_addr, ident_high, ident_low, no_change_flag}.
func (d *DpSlave) handleSetSlaveAddr(svc fdl.Service) {
	if d.state != WPRM {
		return
	}
	if len(svc.PDU) < 4 {
		return
	}
	if !d.addrLocked {
		newAddr, identHigh, identLow, noChange := svc.PDU[0], svc.PDU[1], svc.PDU[2], svc.PDU[3]
		d.stationAddr = newAddr
		d.identHigh = identHigh
		d.identLow = identLow
		d.codec.SetStationAddress(newAddr)
		if noChange&0x01 != 0 {
			d.addrLocked = true
		}
		if d.cfg.Persister != nil {
			d.cfg.Persister.PersistAddress(newAddr, identHigh, identLow)
		}
	}
	d.fdl.TransmitSC()
}

// handleGlobalControl implements SAP 58 GLOBAL_CONTROL (§4.5). No
// response is ever sent.
func (d *DpSlave) handleGlobalControl(svc fdl.Service) {
	if len(svc.PDU) < 2 {
		return
	}
	control, groupMask := svc.PDU[0], svc.PDU[1]

	if d.cfg.Indicator != nil {
		d.cfg.Indicator.SetMasterStopped(control&gcClearData != 0)
	}

	if groupMask&d.group == 0 {
		return
	}

	switch {
	case control&gcUnfreeze != 0:
		d.freezeActive = false
	case control&gcUnsync != 0:
		d.syncActive = false
	case control&gcFreeze != 0 && d.freezeConfigured:
		copy(d.inputDataBuffer, d.inputData)
		d.freezeActive = true
	case control&gcSync != 0 && d.syncConfigured:
		copy(d.outputData, d.outputDataBuffer)
		d.cfg.Application.UpdateOutputs(d.outputData)
		d.syncActive = true
	}
}

// handleGetCfg implements SAP 59 GET_CFG.
func (d *DpSlave) handleGetCfg(svc fdl.Service) {
	_, _ = d.fdl.TransmitSD2(svc.Source, fcDataLow, reciprocalSAP(svc.SAP), d.moduleConfig)
}

// handleSlaveDiagnostic implements SAP 60 SLAVE_DIAGNOSTIC.
func (d *DpSlave) handleSlaveDiagnostic(svc fdl.Service) {
	header := []byte{d.status1(), d.status2(), 0, d.masterAddr, d.identHigh, d.identLow}
	pdu := header
	if d.extDiag && len(d.externDiagPara) > 0 {
		pdu = append(append([]byte(nil), header...), d.externDiagPara...)
	}
	_, _ = d.fdl.TransmitSD2(svc.Source, fcDataLow, reciprocalSAP(svc.SAP), pdu)
	if d.state == POR {
		d.state = WPRM
	}
}

// handleSetPrm implements SAP 61 SET_PRM.
func (d *DpSlave) handleSetPrm(svc fdl.Service) {
	if len(svc.PDU) < 7 {
		return
	}
	status, wd1, wd2, minTsdr := svc.PDU[0], svc.PDU[1], svc.PDU[2], svc.PDU[3]
	identHigh, identLow, groupMask := svc.PDU[4], svc.PDU[5], svc.PDU[6]

	if identHigh != d.cfg.IdentHigh || identLow != d.cfg.IdentLow {
		// Ident mismatch: drop the parametrization silently, stay in
		// WPRM, the master will retry (§7).
		d.log.Warn("dpslave: SET_PRM ident mismatch (got %02x%02x)", identHigh, identLow)
		return
	}

	d.watchdogActive = status&ActivateWatchdog != 0
	d.freezeConfigured = status&ActivateFreeze != 0
	d.syncConfigured = status&ActivateSync != 0
	d.watchdogTimeMs = uint32(wd1) * uint32(wd2) * 10
	d.watchdogTripped = false
	if minTsdr > 11 {
		d.codec.SetMinTsdrBitTimes(uint32(minTsdr) - 11)
	} else {
		d.codec.SetMinTsdrBitTimes(0)
	}
	d.group = groupMask
	d.masterAddr = svc.Source & 0x7F // strip the SAP-present flag

	userPara := svc.PDU[7:]
	copy(d.userPara, userPara)

	d.fdl.TransmitSC()
	if d.state == WPRM {
		d.state = WCFG
	}
}

// handleChkCfg implements SAP 62 CHK_CFG. The sticky CFG_FAULT/
// STATION_NOT_READY flags clear together on a match and the state
// advances only then; on a mismatch the flags stay set and the state
// stays WCFG so the master re-diagnoses and retries (§7, resolving the
// ambiguity noted in §9: CFG_FAULT must auto-clear on a later match).
func (d *DpSlave) handleChkCfg(svc fdl.Service) {
	if bytes.Equal(svc.PDU, d.moduleConfig) {
		d.cfgFault = false
		d.stationNotReady = false
		if d.state == WCFG {
			d.state = DXCHG
		}
	} else {
		d.cfgFault = true
	}
	d.fdl.TransmitSC()
}
