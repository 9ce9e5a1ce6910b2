// Command sbinspect inspects and repairs broker queues and subscriptions.
//
// It browses active and dead-letter messages, mutates single messages by
// sequence number and runs filtered bulk deletes and resubmits, either as
// one-shot commands or behind an authenticated admin API.
//
// Install:
//
//	go install github.com/nuetzliches/sbinspect/cmd/sbinspect@latest
//
// Usage:
//
//	sbinspect serve --config ./Inspectorfile --db ./.data/sbinspect.db
//	sbinspect peek --queue orders --sub dead
package main
