package bulkexport

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// LogWriter appends events to a folder's log.ndjson file, matching the bulk
// data export log format (http://hl7.org/fhir/uv/bulkdata/STU2/log.html):
// one JSON object per line, each carrying exportId/timestamp/eventId/
// eventDetail.
type LogWriter struct {
	ExportID string

	path      string
	startTime time.Time

	numFiles     int
	numResources int
	numBytes     int64
}

// NewLogWriter creates a log writer rooted at folder, seeding ExportID with
// a random UUID; callers should overwrite ExportID with the server's poll
// location once kickoff succeeds, so repeated polls/resumes share one ID.
func NewLogWriter(folder string) *LogWriter {
	return &LogWriter{
		ExportID: uuid.NewString(),
		path:     filepath.Join(folder, "log.ndjson"),
	}
}

func (l *LogWriter) event(eventID string, detail map[string]any) error {
	timestamp := time.Now().UTC()
	if l.startTime.IsZero() {
		l.startTime = timestamp
	}

	row := map[string]any{
		"exportId":    l.ExportID,
		"timestamp":   timestamp.Format(time.RFC3339),
		"eventId":     eventID,
		"eventDetail": detail,
	}
	if eventID == "kickoff" {
		row["_client"] = "fhirharvest"
	}

	encoded, err := json.Marshal(row)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(encoded); err != nil {
		return err
	}
	_, err = file.WriteString("\n")
	return err
}

// KickoffInfo carries the pieces of a kickoff attempt (successful or not)
// that the log schema wants recorded.
type KickoffInfo struct {
	ExportURL       string
	SoftwareName    string
	SoftwareVersion string
	FHIRVersion     string
	StatusCode      int
	ResponseHeaders http.Header
	ErrorMessage    string
}

// Kickoff logs the outcome of requesting the $export operation.
func (l *LogWriter) Kickoff(info KickoffInfo) error {
	headers := map[string]string{}
	for k, v := range info.ResponseHeaders {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	detail := map[string]any{
		"exportUrl":       info.ExportURL,
		"softwareName":    info.SoftwareName,
		"softwareVersion": info.SoftwareVersion,
		"fhirVersion":     info.FHIRVersion,
		"responseHeaders": headers,
	}
	if info.StatusCode != 0 && info.StatusCode != http.StatusAccepted {
		detail["errorCode"] = info.StatusCode
	}
	if info.ErrorMessage != "" {
		detail["errorBody"] = info.ErrorMessage
	}
	return l.event("kickoff", detail)
}

// StatusComplete logs that polling finished and the manifest is ready.
func (l *LogWriter) StatusComplete(transactionTime string, outputCount, deletedCount, errorCount int) error {
	if err := l.event("status_complete", map[string]any{"transactionTime": transactionTime}); err != nil {
		return err
	}
	if err := l.event("status_page_complete", map[string]any{
		"transactionTime":  transactionTime,
		"outputFileCount":  outputCount,
		"deletedFileCount": deletedCount,
		"errorFileCount":   errorCount,
	}); err != nil {
		return err
	}
	return l.event("manifest_complete", map[string]any{
		"transactionTime":       transactionTime,
		"totalOutputFileCount":  outputCount,
		"totalDeletedFileCount": deletedCount,
		"totalErrorFileCount":   errorCount,
		"totalManifests":        1,
	})
}

// StatusError logs a polling failure.
func (l *LogWriter) StatusError(message string) error {
	return l.event("status_error", map[string]any{"message": message})
}

// DownloadRequest logs the start of a single manifest file download.
func (l *LogWriter) DownloadRequest(fileURL, itemType, resourceType string) error {
	return l.event("download_request", map[string]any{
		"fileUrl":      fileURL,
		"itemType":     itemType,
		"resourceType": resourceType,
	})
}

// DownloadComplete logs a finished file download and accumulates the
// running totals ExportComplete reports.
func (l *LogWriter) DownloadComplete(fileURL string, resourceCount int, fileSize int64) error {
	l.numFiles++
	l.numResources += resourceCount
	l.numBytes += fileSize
	return l.event("download_complete", map[string]any{
		"fileUrl":       fileURL,
		"resourceCount": resourceCount,
		"fileSize":      fileSize,
	})
}

// DownloadError logs a failed file download.
func (l *LogWriter) DownloadError(fileURL, message string) error {
	return l.event("download_error", map[string]any{
		"fileUrl": fileURL,
		"message": message,
	})
}

// ExportComplete logs the terminal summary event for the whole export.
func (l *LogWriter) ExportComplete() error {
	timestamp := time.Now().UTC()
	var durationMillis int64
	if !l.startTime.IsZero() {
		durationMillis = timestamp.Sub(l.startTime).Milliseconds()
	}
	return l.event("export_complete", map[string]any{
		"files":     l.numFiles,
		"resources": l.numResources,
		"bytes":     l.numBytes,
		"duration":  durationMillis,
	})
}
