package workers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
)

func TestDeconflictFilename(t *testing.T) {
	assert.Equal(t, "scan_1.dcm", deconflictFilename("scan.dcm", 1))
	assert.Equal(t, "series_2.dicom.zip", deconflictFilename("series.dicom.zip", 2))
	assert.Equal(t, "README_1", deconflictFilename("README", 1))
	assert.Equal(t, ".bashrc_1", deconflictFilename(".bashrc", 1))
}

func TestSidecarTwinPath(t *testing.T) {
	assert.Equal(t, "neuro/Study A_1700000000/sub-01/ses-01",
		sidecarTwinPath("neuro/Study A/sub-01/ses-01", "Study A_1700000000"))
	assert.Equal(t, "neuro", sidecarTwinPath("neuro", "ignored"))
}

func testChain() (map[string]*models.Container, *models.Container, *models.Container, *models.Container) {
	group := models.NewContainer("ing", nil, constants.LevelGroup, "neuro", nil)
	project := models.NewContainer("ing", &group.ID, constants.LevelProject, "neuro/Study A", nil)
	subject := models.NewContainer("ing", &project.ID, constants.LevelSubject, "neuro/Study A/sub-01", nil)
	session := models.NewContainer("ing", &subject.ID, constants.LevelSession, "neuro/Study A/sub-01/ses-01", nil)
	byID := map[string]*models.Container{
		group.ID: group, project.ID: project, subject.ID: subject, session.ID: session,
	}
	return byID, project, subject, session
}

func TestChainBelowProject(t *testing.T) {
	byID, project, subject, session := testChain()

	chain, ok := chainBelowProject(byID, session, project)
	require.True(t, ok)
	require.Len(t, chain, 2)
	assert.Equal(t, subject.ID, chain[0].ID)
	assert.Equal(t, session.ID, chain[1].ID)

	// The project itself hangs below nothing.
	chain, ok = chainBelowProject(byID, project, project)
	require.True(t, ok)
	assert.Empty(t, chain)

	// A leaf from a different tree never reaches the project.
	stray := models.NewContainer("ing", nil, constants.LevelSubject, "other/sub-99", nil)
	byID[stray.ID] = stray
	_, ok = chainBelowProject(byID, stray, project)
	assert.False(t, ok)
}

func TestMarkValidSubtrees(t *testing.T) {
	byID, project, subject, session := testChain()

	valid := models.Item{ContainerID: &session.ID}
	skipped := models.Item{ContainerID: &subject.ID, Skipped: true}
	orphan := models.Item{}

	marked := markValidSubtrees(byID, []models.Item{valid, skipped, orphan})
	assert.True(t, marked[session.ID])
	assert.True(t, marked[subject.ID])
	assert.True(t, marked[project.ID])
	assert.Len(t, marked, 4, "whole ancestor chain of the valid item")
}

func TestContainerDoc(t *testing.T) {
	group := models.NewContainer("ing", nil, constants.LevelGroup, "neuro",
		&models.SourceContext{Group: &models.GroupContext{ID: "neuro"}})
	doc := containerDoc(group)
	assert.Equal(t, map[string]interface{}{"_id": "neuro"}, doc)

	timestamp := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	age := 34
	session := models.NewContainer("ing", nil, constants.LevelSession, "neuro/p/s/ses-01",
		&models.SourceContext{
			Session: &models.SessionContext{
				Label:     "ses-01",
				UID:       "1.2.3",
				Timestamp: &timestamp,
				Age:       &age,
			},
		})
	doc = containerDoc(session)
	assert.Equal(t, "ses-01", doc["label"])
	assert.Equal(t, "1.2.3", doc["uid"])
	assert.Equal(t, "2024-01-15 10:30:00", doc["timestamp"])
	assert.Equal(t, 34, doc["age"])
	assert.NotContains(t, doc, "operator", "empty fields are omitted")
}

func TestTaskRetryable(t *testing.T) {
	assert.True(t, taskRetryable(constants.TaskUpload))
	assert.False(t, taskRetryable(constants.TaskScan))
}
