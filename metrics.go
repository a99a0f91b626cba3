// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import "expvar"

// providerMetrics record provider activity counters.
type providerMetrics struct {
	msgRecv         expvar.Int
	msgSent         expvar.Int
	msgDropped      expvar.Int
	callIn          expvar.Int // number of inbound calls received
	callInErr       expvar.Int // number of inbound calls reporting an error
	callActive      expvar.Int // inbound calls currently being serviced
	handlesCreated  expvar.Int
	handlesReleased expvar.Int // handles discarded by RELEASE_HANDLE
	handlesSwept    expvar.Int // handles discarded by the TTL sweeper

	emap *expvar.Map
}

func newProviderMetrics() *providerMetrics {
	pm := &providerMetrics{emap: new(expvar.Map)}
	pm.emap.Set("messages_received", &pm.msgRecv)
	pm.emap.Set("messages_sent", &pm.msgSent)
	pm.emap.Set("messages_dropped", &pm.msgDropped)
	pm.emap.Set("calls_in", &pm.callIn)
	pm.emap.Set("calls_in_failed", &pm.callInErr)
	pm.emap.Set("calls_active", &pm.callActive)
	pm.emap.Set("handles_created", &pm.handlesCreated)
	pm.emap.Set("handles_released", &pm.handlesReleased)
	pm.emap.Set("handles_swept", &pm.handlesSwept)
	return pm
}

// consumerMetrics record consumer activity counters.
type consumerMetrics struct {
	msgRecv      expvar.Int
	msgSent      expvar.Int
	msgDropped   expvar.Int
	readyDropped expvar.Int // duplicate READY messages ignored after binding
	callOut      expvar.Int // number of outbound calls initiated
	callOutErr   expvar.Int // number of outbound calls reporting an error
	callPending  expvar.Int // outbound calls awaiting a response
	releasesSent expvar.Int // RELEASE_HANDLE messages issued

	emap *expvar.Map
}

func newConsumerMetrics() *consumerMetrics {
	cm := &consumerMetrics{emap: new(expvar.Map)}
	cm.emap.Set("messages_received", &cm.msgRecv)
	cm.emap.Set("messages_sent", &cm.msgSent)
	cm.emap.Set("messages_dropped", &cm.msgDropped)
	cm.emap.Set("ready_dropped", &cm.readyDropped)
	cm.emap.Set("calls_out", &cm.callOut)
	cm.emap.Set("calls_out_failed", &cm.callOutErr)
	cm.emap.Set("calls_pending", &cm.callPending)
	cm.emap.Set("releases_sent", &cm.releasesSent)
	return cm
}
