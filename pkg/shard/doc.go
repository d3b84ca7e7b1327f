// Package shard tracks the partitions of the memory store and their health,
// and routes operations to them.
//
// Invariants:
// - A shard goes offline only after the configured number of consecutive failures.
// - Any success brings a shard back online and resets its failure count.
// - Calls against an offline shard fail immediately unless they are health checks.
// - No lock is held while a store call is in flight.
//
// Usage:
//
//	reg := shard.NewRegistry(shard.DefaultShards("http://localhost:7474", ""), 2)
//	exec := shard.NewExecutor(reg, st, shard.ExecutorConfig{})
//	exec.OnRecover(func(c shard.Category) { /* drain queued writes */ })
//	mon := shard.NewMonitor(exec, shard.MonitorConfig{})
//	mon.Start(ctx)
//	defer mon.Stop()
package shard
