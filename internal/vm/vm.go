// Package vm drives the single virtual machine through its lifecycle:
// configure, start or restore, pause, save. Host failures during any
// transition are fatal; the controller never retries them.
package vm
