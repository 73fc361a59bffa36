// Package workflow implements the DAG-driven workflow orchestrator and
// the stage data injector that builds each stage's payload from
// prior-stage output. Stage graphs are statically declared as step
// definitions with DependsOn edges; the only graph today is the
// FileFinder DAG.
package workflow

import "github.com/helpful-bits/plantocode-orchestrator/internal/job"

// StageDef is one statically declared node in a workflow's DAG.
type StageDef struct {
	Name      string
	TaskKind  job.Kind
	DependsOn []string

	// Optional stages are evaluated by a Condition against the current
	// intermediate data once their dependencies resolve; false means the
	// stage is immediately marked Skipped without creating a job. Only
	// InitialPathCorrection uses this.
	Optional  bool
	Condition func(*IntermediateData) bool
}

// FileFinderStages is the canonical workflow's static DAG:
//
//	RegexPatternGeneration -> LocalFileFiltering -> FileRelevanceAssessment
//	  -> [InitialPathCorrection] -> ExtendedPathFinder -> ExtendedPathCorrection
var FileFinderStages = []StageDef{
	{
		Name:     "regex-generation",
		TaskKind: job.KindRegexGeneration,
	},
	{
		Name:      "local-file-filtering",
		TaskKind:  job.KindLocalFileFiltering,
		DependsOn: []string{"regex-generation"},
	},
	{
		Name:      "relevance-assessment",
		TaskKind:  job.KindFileRelevance,
		DependsOn: []string{"local-file-filtering"},
	},
	{
		Name:      "initial-path-correction",
		TaskKind:  job.KindPathCorrection,
		DependsOn: []string{"relevance-assessment"},
		Optional:  true,
		Condition: func(d *IntermediateData) bool {
			return len(d.InitialUnverifiedPaths) > 0
		},
	},
	{
		Name:      "extended-path-finder",
		TaskKind:  job.KindExtendedPathFinder,
		DependsOn: []string{"relevance-assessment", "initial-path-correction"},
	},
	{
		Name:      "extended-path-correction",
		TaskKind:  job.KindPathCorrection,
		DependsOn: []string{"extended-path-finder"},
	},
}

func stageByName(defs []StageDef, name string) (StageDef, bool) {
	for _, d := range defs {
		if d.Name == name {
			return d, true
		}
	}
	return StageDef{}, false
}
