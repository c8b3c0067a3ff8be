// Package router turns pending transactions into verified opportunities on a
// fixed per-core worker pool.
//
// Key Components:
//
//   - Pipeline: decode → project → search → verify → sink for one transaction,
//     run under an admission slot and a per-transaction deadline
//   - Dispatcher: one SPSC ring per worker; the feed goroutine round-robins
//     pending transactions into the rings and drops them when every ring is full
//   - Ingest: the feed.Handler that applies confirmed reserves to the store and
//     hands pending transactions to the Dispatcher
//
// Threading Model:
//
//   - One producer (the feed goroutine) calls Ingest / Dispatcher.Submit
//   - Each worker drains its own ring and runs Pipeline.Analyze
//   - Pipelines share only the market store (read) and the admission controller;
//     every overlay is private to the pipeline that built it
package router
