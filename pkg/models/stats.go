// Package models holds the data types shared between the proxy core and
// the admin surface.
package models

import "time"

// IngressStats is a point-in-time snapshot of the ingress stage.
type IngressStats struct {
	Accepted          uint64 `json:"accepted"`
	AcceptErrors      uint64 `json:"acceptErrors"`
	HeaderTooLarge    uint64 `json:"headerTooLarge"`
	ParseFailures     uint64 `json:"parseFailures"`
	ResolveFailures   uint64 `json:"resolveFailures"`
	SelfTargetRefused uint64 `json:"selfTargetRefused"`
	ConnectFailures   uint64 `json:"connectFailures"`
	HandedOff         uint64 `json:"handedOff"`
	PendingReads      int    `json:"pendingReads"`
	PendingWrites     int    `json:"pendingWrites"`
	PendingConnects   int    `json:"pendingConnects"`
}

// SpliceStats is a point-in-time snapshot of the splice stage.
type SpliceStats struct {
	ActiveTunnels  int    `json:"activeTunnels"`
	TunnelsOpened  uint64 `json:"tunnelsOpened"`
	TunnelsClosed  uint64 `json:"tunnelsClosed"`
	BytesClientIn  uint64 `json:"bytesClientIn"`
	BytesOriginIn  uint64 `json:"bytesOriginIn"`
	Backpressured  uint64 `json:"backpressured"`
	OverflowBytes  int64  `json:"overflowBytes"`
}

// ReaperStats is a point-in-time snapshot of a close quarantine.
type ReaperStats struct {
	Quarantined uint64 `json:"quarantined"`
	Reaped      uint64 `json:"reaped"`
	Pending     int    `json:"pending"`
}

// Stats aggregates all stage snapshots for the admin /stats endpoint.
type Stats struct {
	Uptime        string       `json:"uptime"`
	StartedAt     time.Time    `json:"startedAt"`
	Ingress       IngressStats `json:"ingress"`
	Splice        SpliceStats  `json:"splice"`
	IngressReaper ReaperStats  `json:"ingressReaper"`
	SpliceReaper  ReaperStats  `json:"spliceReaper"`
}
