// Package otanet carries update sessions over TCP: on the device through
// the lneto stack, on a host through package net.
package otanet

import "errors"

// RxChunk is the largest chunk handed to update.Events.Received. It stays
// well under one flash sector.
const RxChunk = 1460

var (
	ErrNoHost       = errors.New("otanet: empty host")
	ErrNoAddress    = errors.New("otanet: no address for host")
	ErrNotConnected = errors.New("otanet: not connected")
	ErrTokenInUse   = errors.New("otanet: token already has a connection")
	ErrNoLink       = errors.New("otanet: no free connection")
)
