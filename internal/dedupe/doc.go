// Package dedupe tracks recently seen inbound message IDs per client so that
// redelivered engine messages are only broadcast once.
package dedupe
