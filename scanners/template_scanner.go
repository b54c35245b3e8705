package scanners

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/template"
	"github.com/axonlab/ingest/walker"
)

// metadataSuffix marks sidecar files carrying pre-set destination
// metadata when mirroring a project. "<name>.metadata.json" attaches
// to the file of that name; a bare ".metadata.json" describes the
// directory's own container.
const metadataSuffix = ".metadata.json"

// TemplateScanner walks the source tree, binding directory names to
// hierarchy context through the strategy's template node chain.
// Terminal scanner nodes become child scan tasks; terminal packfile
// nodes aggregate a directory into one packfile item; plain files
// become file items at the context accumulated so far.
type TemplateScanner struct {
	config *Config
	root   template.Node
}

// NewTemplateScanner builds the template tree from the ingest's
// strategy config.
func NewTemplateScanner(config *Config) (*TemplateScanner, error) {
	root, initial, err := template.Build(config.Ingest.Strategy)
	if err != nil {
		return nil, err
	}
	if config.Context == nil {
		config.Context = initial
	}
	return &TemplateScanner{config: config, root: root}, nil
}

func (scanner *TemplateScanner) Scan(emit EmitFunc) error {
	return scanner.walk(scanner.config.Dir, scanner.root, scanner.config.Context, emit)
}

func (scanner *TemplateScanner) walk(dir string, node template.Node, context *models.SourceContext, emit EmitFunc) error {
	switch n := node.(type) {
	case *template.ScannerNode:
		if n.ScannerType == constants.ScannerTemplate {
			// A template leaf means plain files at this level; fall
			// through to the directory walk below with no next node.
			return scanner.walkDir(dir, nil, context, emit)
		}
		return emit(Emission{Task: models.NewScanTask(
			scanner.config.Ingest.ID, n.ScannerType, dir, context.Clone())})
	case *template.PackfileNode:
		return scanner.emitPackfile(dir, n.PackfileType, context, emit)
	case *template.MatchNode:
		return scanner.walkDir(dir, n, context, emit)
	}
	return nil
}

// walkDir lists one directory: files become file items in one batch,
// subdirectories are matched against node (when non-nil) and recursed.
func (scanner *TemplateScanner) walkDir(dir string, node *template.MatchNode, context *models.SourceContext, emit EmitFunc) error {
	infos, err := scanner.config.Walker.ListFiles(dir)
	if err != nil {
		return err
	}
	var sidecars map[string]map[string]interface{}
	if scanner.config.Ingest.Strategy.Type == constants.StrategyProject {
		if sidecars, err = scanner.readSidecars(dir, infos, context, emit); err != nil {
			return err
		}
	}
	for _, info := range infos {
		path := joinPath(dir, info.Name)
		if info.IsDir {
			if node == nil || !scanner.config.includeDir(info.Name) {
				continue
			}
			childContext := context.Clone()
			matched, merr := node.ExtractMetadata(info.Name, childContext)
			if merr != nil {
				err = emit(Emission{Error: models.NewError(
					scanner.config.Ingest.ID, models.ErrInvalidSourceContext, merr.Error(), path)})
				if err != nil {
					return err
				}
				continue
			}
			if !matched {
				err = emit(Emission{Error: models.NewError(
					scanner.config.Ingest.ID, models.ErrFilenameDoesNotMatch, "", path)})
				if err != nil {
					return err
				}
				continue
			}
			if err = scanner.walk(path, node.Next, childContext, emit); err != nil {
				return err
			}
			continue
		}
		if !scanner.config.includeFile(info.Name) {
			continue
		}
		if sidecars != nil && strings.HasSuffix(info.Name, metadataSuffix) {
			continue
		}
		if info.Size == 0 {
			err = emit(Emission{Error: models.NewError(
				scanner.config.Ingest.ID, models.ErrZeroByteFile, "", path)})
			if err != nil {
				return err
			}
			continue
		}
		if err = scanner.emitFile(dir, info.Name, info.Size, context, sidecars[info.Name], emit); err != nil {
			return err
		}
	}
	return nil
}

func (scanner *TemplateScanner) emitFile(dir, name string, size int64, context *models.SourceContext,
	metadata map[string]interface{}, emit EmitFunc) error {

	itemContext := context.Clone()
	if err := itemContext.Validate(); err != nil {
		return emit(Emission{Error: models.NewError(
			scanner.config.Ingest.ID, models.ErrInvalidSourceContext,
			err.Error(), joinPath(dir, name))})
	}
	item, err := models.NewItem(scanner.config.Ingest.ID, dir,
		constants.ItemFile, name, []string{name}, size, itemContext)
	if err != nil {
		return err
	}
	item.FWMetadata = metadata
	return emit(Emission{Item: item})
}

// readSidecars parses the metadata sidecars of one directory. The bare
// ".metadata.json" is emitted as container metadata for the context
// accumulated so far; the rest are returned keyed by the filename they
// attach to. Unparsable sidecars are flagged and skipped.
func (scanner *TemplateScanner) readSidecars(dir string, infos []walker.FileInfo,
	context *models.SourceContext, emit EmitFunc) (map[string]map[string]interface{}, error) {

	sidecars := map[string]map[string]interface{}{}
	for _, info := range infos {
		if info.IsDir || !strings.HasSuffix(info.Name, metadataSuffix) {
			continue
		}
		path := joinPath(dir, info.Name)
		reader, err := scanner.config.Walker.Open(path)
		if err != nil {
			return nil, err
		}
		content := map[string]interface{}{}
		err = json.NewDecoder(reader).Decode(&content)
		reader.Close()
		if err != nil {
			err = emit(Emission{Error: models.NewError(
				scanner.config.Ingest.ID, models.ErrInvalidMetadataFile, err.Error(), path)})
			if err != nil {
				return nil, err
			}
			continue
		}
		target := strings.TrimSuffix(info.Name, metadataSuffix)
		if target == "" {
			level := context.DeepestLevel()
			err = emit(Emission{Metadata: &models.FWContainerMetadata{
				ID:        models.NewUUID(),
				IngestID:  scanner.config.Ingest.ID,
				Level:     level,
				Path:      context.PathAt(level),
				SrcPath:   path,
				Content:   content,
				CreatedAt: time.Now().UTC(),
			}})
			if err != nil {
				return nil, err
			}
			continue
		}
		sidecars[target] = content
	}
	return sidecars, nil
}

// emitPackfile aggregates every file under dir into a single packfile
// item named after the deepest context label.
func (scanner *TemplateScanner) emitPackfile(dir, packfileType string, context *models.SourceContext, emit EmitFunc) error {
	scoped := &Config{
		Ingest: scanner.config.Ingest,
		Walker: scanner.config.Walker,
		Dir:    dir,
		Logger: scanner.config.Logger,
	}
	entries, err := collectFiles(scoped, emit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	files := make([]string, 0, len(entries))
	var bytesSum int64
	for _, entry := range entries {
		files = append(files, relativeTo(dir, entry.path))
		bytesSum += entry.size
	}
	itemContext := context.Clone()
	itemContext.PackfileType = packfileType
	if err = itemContext.Validate(); err != nil {
		return emit(Emission{Error: models.NewError(
			scanner.config.Ingest.ID, models.ErrInvalidSourceContext, err.Error(), dir)})
	}
	label := itemContext.LabelAt(itemContext.DeepestLevel())
	item, err := models.NewItem(scanner.config.Ingest.ID, dir,
		constants.ItemPackfile, label+"."+packfileType+".zip", files, bytesSum, itemContext)
	if err != nil {
		return err
	}
	return emit(Emission{Item: item})
}
