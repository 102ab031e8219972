package service

import (
	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
)

// DownstreamActiveStagesOf returns the active runs among latest whose stage
// comes after stage in the run's ordered stage list. Stages of a pipeline run
// form a chain, so every later stage depends on stage.
func DownstreamActiveStagesOf(plr *v1alpha1.PipelineRun, stage string, latest []*v1alpha1.StageRun) []*v1alpha1.StageRun {
	at := plr.StageIndex(stage)
	if at < 0 {
		return nil
	}

	downstream := make([]*v1alpha1.StageRun, 0)
	for _, sr := range latest {
		if sr.PipelineName != plr.PipelineName || sr.PipelineCounter != plr.Counter {
			continue
		}
		if plr.StageIndex(sr.StageName) > at && sr.State.IsActive() {
			downstream = append(downstream, sr)
		}
	}
	return downstream
}

// NextStage returns the stage following stage in the run, if any.
func NextStage(plr *v1alpha1.PipelineRun, stage string) (string, bool) {
	at := plr.StageIndex(stage)
	if at < 0 || at+1 >= len(plr.Stages) {
		return "", false
	}
	return plr.Stages[at+1], true
}
