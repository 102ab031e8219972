package service

import (
	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
)

// ConfigResolver answers stage configuration lookups from the static
// pipeline definitions.
type ConfigResolver struct {
	pipelines map[string]*v1alpha1.PipelineConfig
}

func NewConfigResolver(pipelines []v1alpha1.PipelineConfig) *ConfigResolver {
	r := &ConfigResolver{
		pipelines: make(map[string]*v1alpha1.PipelineConfig, len(pipelines)),
	}
	for i := range pipelines {
		r.pipelines[pipelines[i].Name] = &pipelines[i]
	}
	return r
}

func (r *ConfigResolver) PipelineConfigFor(pipelineName string) (*v1alpha1.PipelineConfig, error) {
	p, ok := r.pipelines[pipelineName]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "Pipeline '%s' not found.", pipelineName)
	}
	return p, nil
}

func (r *ConfigResolver) StageConfigFor(pipelineName, stageName string) (*v1alpha1.StageConfig, error) {
	if p, ok := r.pipelines[pipelineName]; ok {
		if s, ok := p.Stage(stageName); ok {
			return s, nil
		}
	}
	return nil, errors.Newf(errors.KindNotFound,
		"Stage '%s' of pipeline '%s' does not exist in current configuration. You can not rerun it.", stageName, pipelineName)
}
