package scanners

import (
	"fmt"
	"regexp"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/template"
)

// FilenameScanner matches every filename under its dir against a
// single pattern with hierarchy placeholders like {subject} or
// {session.timestamp}. Matches become file items; everything else is a
// filename-does-not-match error.
type FilenameScanner struct {
	config  *Config
	pattern *regexp.Regexp
}

// NewFilenameScanner compiles the strategy template into the filename
// pattern.
func NewFilenameScanner(config *Config) (*FilenameScanner, error) {
	strategy := config.Ingest.Strategy
	if strategy == nil || strategy.Template == "" {
		return nil, fmt.Errorf("filename scanner requires a template pattern")
	}
	pattern, err := template.CompileComponent(strategy.Template)
	if err != nil {
		return nil, fmt.Errorf("bad filename pattern %q: %v", strategy.Template, err)
	}
	return &FilenameScanner{config: config, pattern: pattern}, nil
}

func (scanner *FilenameScanner) Scan(emit EmitFunc) error {
	entries, err := collectFiles(scanner.config, emit)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err = scanner.scanEntry(entry, emit); err != nil {
			return err
		}
	}
	return nil
}

func (scanner *FilenameScanner) scanEntry(entry fileEntry, emit EmitFunc) error {
	match := scanner.pattern.FindStringSubmatch(entry.name)
	if match == nil {
		return emit(Emission{Error: models.NewError(
			scanner.config.Ingest.ID, models.ErrFilenameDoesNotMatch, "", entry.path)})
	}
	context := scanner.config.Context.Clone()
	for i, groupName := range scanner.pattern.SubexpNames() {
		if i == 0 || groupName == "" {
			continue
		}
		level, field := template.SplitGroupName(groupName)
		if err := context.SetField(level, field, match[i]); err != nil {
			return emit(Emission{Error: models.NewError(
				scanner.config.Ingest.ID, models.ErrInvalidSourceContext,
				err.Error(), entry.path)})
		}
	}
	if err := context.Validate(); err != nil {
		return emit(Emission{Error: models.NewError(
			scanner.config.Ingest.ID, models.ErrInvalidSourceContext,
			err.Error(), entry.path)})
	}
	// Files holds the dir-relative path, not the basename, so nested
	// matches still resolve on upload.
	rel := relativeTo(scanner.config.Dir, entry.path)
	item, err := models.NewItem(scanner.config.Ingest.ID, scanner.config.Dir,
		constants.ItemFile, entry.name, []string{rel}, entry.size, context)
	if err != nil {
		return err
	}
	return emit(Emission{Item: item})
}
