package store

import "fmt"

// Redis key layout. All storages share one logical database.

func ScraperKey(id string) string {
	return "scrapers:" + id
}

// ScraperIDsKey is the set of all scraper IDs.
const ScraperIDsKey = "scraper_ids"

func TaskKey(id string) string {
	return "tasks:" + id
}

func QueueKey(p TaskPriority) string {
	return fmt.Sprintf("queue:%d", int(p))
}

// TasksByScraperKey is a sorted set of task IDs scored by creation time.
func TasksByScraperKey(scraperID string) string {
	return "tasks:by_scraper:" + scraperID
}

func LeaseKey(name string) string {
	return "leases:" + name
}

func LogsKey(taskID string) string {
	return "logs:" + taskID
}

func LogsNextIDKey(taskID string) string {
	return "logs:" + taskID + ":next_id"
}
