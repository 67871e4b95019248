// Package api exposes the REST surface of the coordination engine:
// agent registration and discovery, the escrow lifecycle, revenue
// distribution runs, multi-network discovery and compliance evaluation.
package api
