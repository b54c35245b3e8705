// Package reporter renders the progress of one ingest on a terminal:
// a per-stage progress line updated in place, one block per entered
// status, and the interactive review prompt.
package reporter

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/axonlab/ingest/api"
	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
)

// Reporter follows one ingest through the client contract until it
// reaches a terminal status.
type Reporter struct {
	client   api.Client
	ingestID string
	interval time.Duration

	out io.Writer
	in  *bufio.Reader

	// AssumeYes makes the review step accept without prompting.
	AssumeYes bool
	// TreeLimit caps the hierarchy preview during review.
	TreeLimit int

	eta      etaState
	lastLine int
}

func New(client api.Client, ingestID string, out io.Writer, in io.Reader) *Reporter {
	return &Reporter{
		client:    client,
		ingestID:  ingestID,
		interval:  time.Second,
		out:       out,
		in:        bufio.NewReader(in),
		TreeLimit: 100,
	}
}

// Follow polls until the ingest terminates and returns its final
// status. A non-finished final status should map to a non-zero process
// exit by the caller.
func (r *Reporter) Follow() (string, error) {
	seenStatus := ""
	for {
		ingest, err := r.client.GetIngest(r.ingestID)
		if err != nil {
			return "", err
		}
		if ingest.Status != seenStatus {
			r.clearLine()
			fmt.Fprintf(r.out, "%s  %s\n",
				time.Now().Local().Format("15:04:05"), statusHeading(ingest.Status))
			seenStatus = ingest.Status
			if ingest.Status == constants.IngestInReview {
				if err = r.review(); err != nil {
					return "", err
				}
				continue
			}
		}
		if constants.IsTerminalIngestStatus(ingest.Status) {
			r.clearLine()
			if err = r.printFinalReport(); err != nil {
				return "", err
			}
			return ingest.Status, nil
		}
		progress, err := r.client.Progress(r.ingestID)
		if err != nil {
			return "", err
		}
		r.renderProgress(ingest.Status, progress)
		time.Sleep(r.interval)
	}
}

// renderProgress rewrites the single in-place progress line for the
// current stage.
func (r *Reporter) renderProgress(status string, progress *models.Progress) {
	var line string
	switch status {
	case constants.IngestScanning:
		line = fmt.Sprintf("scanning: %d files, %s",
			progress.Files.Total, formatBytes(progress.Bytes.Total))
	case constants.IngestUploading:
		counts := progress.Items
		finished := counts.Finished()
		sample := r.eta.update(finished, counts.Total, progress.Bytes.Completed)
		line = fmt.Sprintf("uploading: %d / %d items, %s/s, ETA %s",
			finished, counts.Total, formatBytes(sample.bytesPerSec), formatETA(sample.eta))
	default:
		stage, ok := progress.Stages[stageTaskType(status)]
		if !ok {
			return
		}
		line = fmt.Sprintf("%s: %d / %d tasks done", status, stage.Finished(), stage.Total)
	}
	r.clearLine()
	fmt.Fprintf(r.out, "\r%s", line)
	r.lastLine = len(line)
}

func (r *Reporter) clearLine() {
	if r.lastLine > 0 {
		fmt.Fprintf(r.out, "\r%s\r", strings.Repeat(" ", r.lastLine))
		r.lastLine = 0
	}
}

// review prints the hierarchy preview and the error summary, then asks
// the user to accept or abort.
func (r *Reporter) review() error {
	nodes, err := r.client.Tree(r.ingestID, r.TreeLimit)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		marker := " "
		if node.Existing {
			marker = "="
		}
		if node.Error {
			marker = "!"
		}
		indent := strings.Repeat("  ", node.Level)
		label := node.Path
		if idx := strings.LastIndex(node.Path, "/"); idx >= 0 {
			label = node.Path[idx+1:]
		}
		fmt.Fprintf(r.out, "%s%s %s (%d files, %s)\n",
			indent, marker, label, node.FilesCnt, formatBytes(node.BytesSum))
	}

	summary, err := r.client.Summary(r.ingestID)
	if err != nil {
		return err
	}
	for _, warning := range summary.Warnings {
		fmt.Fprintf(r.out, "WARN  %s (%s): %d\n", warning.Message, warning.Code, warning.Count)
	}
	for _, failure := range summary.Errors {
		fmt.Fprintf(r.out, "ERROR %s (%s): %d\n", failure.Message, failure.Code, failure.Count)
	}

	if r.AssumeYes {
		return r.client.ReviewIngest(r.ingestID, nil)
	}
	for {
		fmt.Fprint(r.out, "Continue with the upload? [y/n]: ")
		answer, err := r.in.ReadString('\n')
		if err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return r.client.ReviewIngest(r.ingestID, nil)
		case "n", "no":
			return r.client.AbortIngest(r.ingestID)
		}
	}
}

func (r *Reporter) printFinalReport() error {
	report, err := r.client.Report(r.ingestID)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Final status: %s\n", report.Status)
	for _, status := range constants.IngestStatuses {
		if elapsed, ok := report.Elapsed[status]; ok {
			fmt.Fprintf(r.out, "  %-22s %s\n", status, formatETA(float64(elapsed)))
		}
	}
	byCode := map[string]int{}
	for _, taskError := range report.Errors {
		byCode[taskError.Code]++
	}
	for code, count := range byCode {
		fmt.Fprintf(r.out, "  %d error(s) %s: %s\n", count, code, models.KindByCode(code).Message)
	}
	return nil
}

func statusHeading(status string) string {
	return strings.ToUpper(strings.ReplaceAll(status, "_", " "))
}

// stageTaskType names the task type whose counters describe a status.
func stageTaskType(status string) string {
	switch status {
	case constants.IngestConfiguring:
		return constants.TaskConfigure
	case constants.IngestScanning:
		return constants.TaskScan
	case constants.IngestResolving:
		return constants.TaskResolve
	case constants.IngestDetectingDuplicates:
		return constants.TaskDetectDuplicates
	case constants.IngestPreparing:
		return constants.TaskPrepare
	case constants.IngestPreparingSidecar:
		return constants.TaskPrepareSidecar
	case constants.IngestUploading:
		return constants.TaskUpload
	case constants.IngestFinalizing:
		return constants.TaskFinalize
	}
	return ""
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatETA(seconds float64) string {
	if seconds <= 0 {
		return "0s"
	}
	d := time.Duration(seconds) * time.Second
	return d.Round(time.Second).String()
}
