package workers

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
)

// finalize writes the audit log and delivers it to every prepared
// project container. It also runs for failed and aborted ingests so a
// partial audit trail survives; upload failures here are warnings, the
// local copy is kept and its path logged.
func (run *TaskRun) finalize() ([]*models.Task, error) {
	if run.ingest.Config.NoAuditLog {
		return nil, nil
	}

	tmp, err := os.CreateTemp("", "audit_log-*.csv")
	if err != nil {
		return nil, err
	}
	localPath := tmp.Name()
	if err = run.store.AuditLogs(run.ingest.ID, tmp); err != nil {
		tmp.Close()
		return nil, err
	}

	var projects []models.Container
	err = run.store.GetAll(&projects, "ingest_id = ? AND level = ? AND sidecar = ?",
		run.ingest.ID, constants.LevelProject, false)
	if err != nil {
		tmp.Close()
		return nil, err
	}

	filename := fmt.Sprintf("audit_log-%s.csv", time.Now().UTC().Format("20060102-150405"))
	delivered := true
	for i := range projects {
		project := &projects[i]
		if project.DstContext == nil || project.DstContext.ID == "" {
			continue
		}
		if _, err = tmp.Seek(0, io.SeekStart); err != nil {
			tmp.Close()
			return nil, err
		}
		err = run.core.Upload(constants.LevelProject, project.DstContext.ID, filename, tmp, nil)
		if err != nil {
			delivered = false
			run.logger.Warning("Cannot upload audit log to project %q: %v", project.Path, err)
		}
	}
	tmp.Close()

	if delivered {
		os.Remove(localPath)
	} else {
		run.logger.Warning("Audit log kept locally at %s", localPath)
	}
	return nil, nil
}
