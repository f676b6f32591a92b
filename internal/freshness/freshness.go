// Package freshness arbitrates whether an inbound update supersedes the
// currently cached tag state. The decision is a pure function of the two
// timestamp triples; it never consults the wall clock.
//
// The server timestamp is the authoritative ordering key. DAQ and source
// timestamps come from less synchronized clocks and only break ties or
// prefer the more detailed of two equally new updates.
package freshness

import "plantmon-server/internal/model"

// Reason explains a rejection, for metrics labels and debug logs.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonMissingServer Reason = "missing_server"
	ReasonOlderServer   Reason = "older_server"
	ReasonOlderDAQ      Reason = "older_daq"
	ReasonDAQRemoved    Reason = "daq_removed"
	ReasonSourceRemoved Reason = "source_removed"
	ReasonDuplicate     Reason = "duplicate"
)

// Accept decides whether candidate supersedes current. A zero time means the
// timestamp is absent.
//
// Two deliberate quirks of the system of record are preserved: an update
// equal to the cached state in all three timestamps is rejected as a
// duplicate when the source timestamps are present, but accepted when both
// source timestamps are absent; and at equal server and DAQ timestamps a
// differing source timestamp is accepted in either direction, even when it
// moves backwards.
func Accept(current, candidate model.Timestamps) (bool, Reason) {
	if candidate.Server.IsZero() {
		return false, ReasonMissingServer
	}
	// A zero current server timestamp is older than any present one.
	if candidate.Server.After(current.Server) {
		return true, ReasonNone
	}
	if candidate.Server.Before(current.Server) {
		return false, ReasonOlderServer
	}

	// Equal server timestamps: the DAQ timestamp arbitrates next. An update
	// gaining a DAQ timestamp is preferred, one losing it is refused.
	switch {
	case current.DAQ.IsZero() && !candidate.DAQ.IsZero():
		return true, ReasonNone
	case !current.DAQ.IsZero() && candidate.DAQ.IsZero():
		return false, ReasonDAQRemoved
	case candidate.DAQ.After(current.DAQ):
		return true, ReasonNone
	case candidate.DAQ.Before(current.DAQ):
		return false, ReasonOlderDAQ
	}

	// Equal (or both absent) DAQ timestamps: the source timestamp breaks the
	// tie the same way, except that any difference counts as new data.
	switch {
	case current.Source.IsZero() && candidate.Source.IsZero():
		return true, ReasonNone
	case current.Source.IsZero():
		return true, ReasonNone
	case candidate.Source.IsZero():
		return false, ReasonSourceRemoved
	case !candidate.Source.Equal(current.Source):
		return true, ReasonNone
	default:
		return false, ReasonDuplicate
	}
}
