//go:build rawtrace

package engine

// rawtrace builds dump the untransformed buffer image.
var dumpBuffer = writeRaw
