package crawl

import (
	"time"

	"github.com/samply/fhirharvest/internal/bulkexport"
)

// createFakeLog writes a log.ndjson for a crawl folder using the same
// event shapes a real bulk export's LogWriter emits, so downstream tooling
// that inspects a folder's log (for transactionTime, group, etc.) doesn't
// need to know whether the data behind it came from a real export or a
// patient-by-patient crawl.
func createFakeLog(folder string, fhirURL string, group string, transactionTime time.Time) error {
	log := bulkexport.NewLogWriter(folder)

	if err := log.Kickoff(bulkexport.KickoffInfo{
		ExportURL:    fhirURL,
		SoftwareName: "crawl",
	}); err != nil {
		return err
	}

	ts := transactionTime.UTC().Format(time.RFC3339)
	if err := log.StatusComplete(ts, 0, 0, 0); err != nil {
		return err
	}

	return log.ExportComplete()
}
