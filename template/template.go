// Package template turns a strategy configuration into the immutable
// node tree the template scanner walks. Each node consumes one path
// component; terminal nodes hand the remaining subtree to a scanner or
// aggregate it into a packfile.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
)

// Node is one level of the template tree.
type Node interface {
	templateNode()
}

// MatchNode binds one path component to context fields through a
// regex with named groups. Group names are context references like
// "subject" or "session_timestamp" (dots are encoded as underscores
// because Go regex group names cannot contain dots).
type MatchNode struct {
	Pattern *regexp.Regexp
	Next    Node
}

func (*MatchNode) templateNode() {}

// ScannerNode terminates the template: the directory it matches is
// handed to the named scanner as a child scan task.
type ScannerNode struct {
	ScannerType string
}

func (*ScannerNode) templateNode() {}

// PackfileNode terminates the template: all files under the matching
// directory are aggregated into a single packfile of the given type.
type PackfileNode struct {
	PackfileType string
}

func (*PackfileNode) templateNode() {}

// ExtractMetadata applies the node's pattern to one path component,
// filling context fields from the named groups. Returns false when the
// component does not match.
func (node *MatchNode) ExtractMetadata(name string, context *models.SourceContext) (bool, error) {
	match := node.Pattern.FindStringSubmatch(name)
	if match == nil {
		return false, nil
	}
	for i, groupName := range node.Pattern.SubexpNames() {
		if i == 0 {
			// Index 0 is the whole match, never named.
			continue
		}
		if groupName == "" {
			return false, fmt.Errorf("template group %d has no name", i)
		}
		level, field := SplitGroupName(groupName)
		if err := context.SetField(level, field, match[i]); err != nil {
			return false, err
		}
	}
	return true, nil
}

// SplitGroupName decodes a regex group name into (level, field).
// "session_timestamp" becomes ("session", "timestamp"); a bare level
// name targets the label.
func SplitGroupName(groupName string) (string, string) {
	for _, level := range constants.ContainerLevelNames {
		if groupName == level {
			return level, ""
		}
		if strings.HasPrefix(groupName, level+"_") {
			return level, strings.TrimPrefix(groupName, level+"_")
		}
	}
	return groupName, ""
}

// Build constructs the template tree and the initial context for the
// configured strategy.
func Build(strategy *models.StrategyConfig) (Node, *models.SourceContext, error) {
	if err := strategy.Validate(); err != nil {
		return nil, nil, err
	}
	context := &models.SourceContext{
		Group:   &models.GroupContext{ID: strategy.GroupID},
		Project: &models.ProjectContext{Label: strategy.ProjectLabel},
	}
	switch strategy.Type {
	case constants.StrategyDicom:
		if strategy.DicomSubject != "" {
			context.Subject = &models.SubjectContext{Label: strategy.DicomSubject}
		}
		return &ScannerNode{ScannerType: constants.ScannerDicom}, context, nil
	case constants.StrategyFolder, constants.StrategyProject:
		root, err := buildFolderTree(strategy)
		return root, context, err
	case constants.StrategyTemplate:
		root, err := Parse(strategy.Template)
		return root, context, err
	}
	return nil, nil, fmt.Errorf("unknown strategy type %q", strategy.Type)
}

// buildFolderTree composes the standard folder hierarchy:
// subject/session/acquisition directories, with the leaves scanned as
// dicom or uploaded as plain files.
func buildFolderTree(strategy *models.StrategyConfig) (Node, error) {
	var leaf Node
	switch {
	case strategy.PackAcquisitions != "":
		leaf = &PackfileNode{PackfileType: strategy.PackAcquisitions}
	case strategy.DicomAcquisitions:
		leaf = &ScannerNode{ScannerType: constants.ScannerDicom}
	default:
		leaf = &ScannerNode{ScannerType: constants.ScannerTemplate}
	}
	node := leaf
	if !strategy.NoSessions {
		node = &MatchNode{Pattern: levelPattern("acquisition"), Next: node}
		node = &MatchNode{Pattern: levelPattern("session"), Next: node}
	}
	if !strategy.NoSubjects {
		node = &MatchNode{Pattern: levelPattern("subject"), Next: node}
	}
	for i := 0; i < strategy.RootDirs; i++ {
		node = &MatchNode{Pattern: regexp.MustCompile(`(?P<ignore>.*)`), Next: node}
	}
	return node, nil
}

func levelPattern(level string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?P<%s>.+)`, level))
}

// Parse compiles a template string into a node chain. Components are
// '/'-separated; each is either a placeholder pattern like
// "{subject}_{session.timestamp}", a raw regex with named groups, or a
// terminal: "dicom" (scan as dicom) or "pack:<type>".
func Parse(templateStr string) (Node, error) {
	components := strings.Split(strings.Trim(templateStr, "/"), "/")
	if len(components) == 0 {
		return nil, fmt.Errorf("empty template")
	}
	// Build leaf-first so the chain is immutable.
	var node Node
	last := components[len(components)-1]
	switch {
	case last == constants.ScannerDicom:
		node = &ScannerNode{ScannerType: constants.ScannerDicom}
		components = components[:len(components)-1]
	case strings.HasPrefix(last, "pack:"):
		node = &PackfileNode{PackfileType: strings.TrimPrefix(last, "pack:")}
		components = components[:len(components)-1]
	default:
		node = &ScannerNode{ScannerType: constants.ScannerTemplate}
	}
	for i := len(components) - 1; i >= 0; i-- {
		pattern, err := CompileComponent(components[i])
		if err != nil {
			return nil, err
		}
		node = &MatchNode{Pattern: pattern, Next: node}
	}
	return node, nil
}

var placeholderPattern = regexp.MustCompile(`\{([a-z]+)(?:\.([a-z_]+))?\}`)

// CompileComponent turns one template component into a regex. Curly
// placeholders become named groups; everything between them is quoted
// literally. Components without placeholders are treated as raw
// regexes so power users can write named groups directly.
func CompileComponent(component string) (*regexp.Regexp, error) {
	if !strings.Contains(component, "{") {
		return regexp.Compile("^" + component + "$")
	}
	var builder strings.Builder
	builder.WriteString("^")
	rest := component
	for {
		loc := placeholderPattern.FindStringSubmatchIndex(rest)
		if loc == nil {
			builder.WriteString(regexp.QuoteMeta(rest))
			break
		}
		builder.WriteString(regexp.QuoteMeta(rest[:loc[0]]))
		level := rest[loc[2]:loc[3]]
		field := ""
		if loc[4] >= 0 {
			field = rest[loc[4]:loc[5]]
		}
		groupName := level
		if field != "" {
			groupName = level + "_" + field
		}
		fmt.Fprintf(&builder, `(?P<%s>[^/]+?)`, groupName)
		rest = rest[loc[1]:]
	}
	builder.WriteString("$")
	return regexp.Compile(builder.String())
}
