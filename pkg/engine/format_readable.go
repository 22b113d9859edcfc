//go:build !rawtrace

package engine

// The trace format is fixed at build time. The default build dumps
// readable text; build with the rawtrace tag for the raw binary image.
var dumpBuffer = writeFormatted
