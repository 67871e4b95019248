// Package config loads the daemon configuration file and fills in defaults
// for the economic parameters (stake tiers, reputation learning rate,
// collateral and revenue-split basis points), storage drivers, event stream
// transport, bridge fan-out limits and compliance thresholds.
package config
