package storage

// Package storage is the bot's persistence layer on SQLite.
//
// It owns:
//   - Subscribers and their welcome-sequence progress
//   - Scheduled sends (one durable row per owed stage per subscriber)
//   - The append-only comment log
//
// Every operation is a single independently-committed statement; the delivery
// design tolerates at-least-once redelivery, so no cross-operation
// transactions are held.
