package reporting

import (
	"encoding/json"
	"fmt"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-launch/types"
)

// LaunchJSON is the serialized form of a report consumed downstream
type LaunchJSON struct {
	Header      HeaderJSON  `json:"header"`
	TestClasses []GroupJSON `json:"testClasses"`
}

// HeaderJSON carries run identity and environment. Unknown values serialize as null.
type HeaderJSON struct {
	LaunchID          string  `json:"launchId"`
	LaunchStartTime   int64   `json:"launchStartTime"`
	LaunchEndTime     int64   `json:"launchEndTime"`
	DurationMillis    int64   `json:"durationMillis"`
	ApplicationName   *string `json:"applicationName"`
	TestEnvironment   *string `json:"testEnvironment"`
	RunEnvironment    *string `json:"runEnvironment"`
	User              *string `json:"user"`
	GitBranch         *string `json:"gitBranch"`
	IsRegression      bool    `json:"isRegression"`
	OSVersion         *string `json:"osVersion"`
	TestRunnerVersion *string `json:"testRunnerVersion"`
	RuntimeVersion    *string `json:"runtimeVersion"`
}

type GroupTagsJSON struct {
	Class     []string `json:"class,omitempty"`
	Inherited []string `json:"inherited,omitempty"`
}

type CaseTagsJSON struct {
	Method    []string `json:"method,omitempty"`
	Class     []string `json:"class,omitempty"`
	Inherited []string `json:"inherited,omitempty"`
}

type GroupJSON struct {
	ClassName      string        `json:"className"`
	DisplayName    string        `json:"displayName"`
	FullClassName  *string       `json:"fullClassName"`
	ParentClassKey *string       `json:"parentClassKey"`
	ParentChain    []string      `json:"parentChain"`
	Tags           GroupTagsJSON `json:"tags"`
	TestCases      []CaseJSON    `json:"testCases"`
	Children       []GroupJSON   `json:"children"`
}

type CaseJSON struct {
	MethodName        string            `json:"methodName"`
	DisplayName       string            `json:"displayName"`
	TestCaseID        string            `json:"testCaseId"`
	MethodDisplayName string            `json:"methodDisplayName"`
	ParentDisplayName string            `json:"parentDisplayName"`
	ParentClassKey    string            `json:"parentClassKey"`
	ParentChain       []string          `json:"parentChain"`
	Tags              CaseTagsJSON      `json:"tags"`
	Status            types.Status      `json:"status"`
	StartTime         int64             `json:"startTime"`
	EndTime           int64             `json:"endTime"`
	DurationMillis    int64             `json:"durationMillis"`
	TestType          types.TestType    `json:"testType"`
	Parameters        []types.Parameter `json:"parameters"`
	Exception         *string           `json:"exception"`
	Logs              []string          `json:"logs"`
}

// NewLaunchJSON converts a report into its serialized shape. The root group is
// the single entry of testClasses.
func NewLaunchJSON(report *types.Report) LaunchJSON {
	doc := LaunchJSON{
		Header:      newHeaderJSON(report.Header),
		TestClasses: []GroupJSON{},
	}
	if report.Root != nil {
		doc.TestClasses = append(doc.TestClasses, newGroupJSON(report.Root))
	}
	return doc
}

// MarshalReport serializes a report, indented when pretty is set
func MarshalReport(report *types.Report, pretty bool) ([]byte, error) {
	if report == nil {
		return nil, fmt.Errorf("nil report")
	}
	doc := NewLaunchJSON(report)
	if pretty {
		return json.MarshalIndent(doc, "", "  ")
	}
	return json.Marshal(doc)
}

func newHeaderJSON(h types.Header) HeaderJSON {
	return HeaderJSON{
		LaunchID:          h.LaunchID,
		LaunchStartTime:   h.LaunchStartTime,
		LaunchEndTime:     h.LaunchEndTime,
		DurationMillis:    h.DurationMillis(),
		ApplicationName:   nullable(h.ApplicationName),
		TestEnvironment:   nullable(h.TestEnvironment),
		RunEnvironment:    nullable(h.RunEnvironment),
		User:              nullable(h.User),
		GitBranch:         nullable(h.GitBranch),
		IsRegression:      h.Regression,
		OSVersion:         nullable(h.OSVersion),
		TestRunnerVersion: nullable(h.TestRunnerVersion),
		RuntimeVersion:    nullable(h.RuntimeVersion),
	}
}

func newGroupJSON(n *types.GroupNode) GroupJSON {
	g := GroupJSON{
		ClassName:     n.Name,
		DisplayName:   n.DisplayName,
		FullClassName: nullable(n.Key),
		ParentChain:   nonNil(n.AncestorChain),
		Tags: GroupTagsJSON{
			Class:     n.OwnTags.Sorted(),
			Inherited: n.InheritedTags.Sorted(),
		},
		TestCases: make([]CaseJSON, 0, len(n.Cases)),
		Children:  make([]GroupJSON, 0, len(n.Children)),
	}
	if parent, ok := types.ParentKey(n.Key); ok {
		g.ParentClassKey = &parent
	}
	for _, c := range n.Cases {
		g.TestCases = append(g.TestCases, newCaseJSON(c))
	}
	for _, child := range n.Children {
		g.Children = append(g.Children, newGroupJSON(child))
	}
	return g
}

func newCaseJSON(c *types.CaseRecord) CaseJSON {
	out := CaseJSON{
		MethodName:        c.MethodName,
		DisplayName:       c.RunDisplayName,
		TestCaseID:        c.CaseID(),
		MethodDisplayName: c.MethodDisplayName,
		ParentDisplayName: c.ParentDisplayName,
		ParentClassKey:    c.GroupKey,
		ParentChain:       nonNil(c.ParentChain),
		Tags: CaseTagsJSON{
			Method:    c.MethodTags.Sorted(),
			Class:     c.OwnGroupTags.Sorted(),
			Inherited: c.InheritedGroupTags.Sorted(),
		},
		Status:         c.Status(),
		StartTime:      c.StartTime(),
		EndTime:        c.EndTime(),
		DurationMillis: c.DurationMillis(),
		TestType:       c.TestType(),
		Parameters:     c.Parameters(),
		Logs:           []string{},
	}
	if detail := c.FailureDetail(); detail != nil {
		text := FailureText(detail)
		out.Exception = &text
	}
	return out
}

// FailureText renders an opaque failure payload as plain text
func FailureText(detail []byte) string {
	return stripansi.Strip(string(detail))
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
