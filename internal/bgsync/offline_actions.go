package bgsync

import "context"

// TagOfflineActions is the sync tag clients use to replay actions queued
// while offline.
const TagOfflineActions = "sync-offline-actions"

func init() {
	RegisterFactory(TagOfflineActions, func() Task { return OfflineActions{} })
}

// OfflineActions is the hook point for replaying offline-queued actions. It
// has no replay logic and completes immediately.
type OfflineActions struct{}

// Tag implements Task.
func (OfflineActions) Tag() string { return TagOfflineActions }

// Run implements Task.
func (OfflineActions) Run(context.Context) error { return nil }
