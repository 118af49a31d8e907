package shared

import "fmt"

// SyncLockKey builds redis keys for the per employer/worker sync lease.
func SyncLockKey(employerID, workerID string) string {
	return fmt.Sprintf("dimona:sync:%s:%s:lock", employerID, workerID)
}

// SyncScheduledKey builds redis keys marking a scheduled successor pass.
func SyncScheduledKey(key string) string {
	return fmt.Sprintf("dimona:sync:%s:scheduled", key)
}
