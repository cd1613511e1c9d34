// Package notifier delivers short operator messages to chats.
//
// Service is an async pipeline: a bounded queue, a worker pool, a shared
// send rate, retry with exponential backoff, and dedup that can be
// persisted so a restart does not repeat recent messages.
//
// Forwarder subscribes to the event bus, renders cache changes and sync
// health notices as text, and hands them to the Service for every
// configured chat.
package notifier
