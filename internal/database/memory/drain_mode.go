package memory

import (
	"context"
	"sync"

	"git.yunify.com/quanxiang/scheduler/internal/database"
	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
)

type drainMode struct {
	mu sync.RWMutex
	dm v1alpha1.DrainMode
}

func NewDrainMode() database.DrainModeRepo {
	return &drainMode{}
}

func (d *drainMode) Get(ctx context.Context) (*v1alpha1.DrainMode, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dm := d.dm
	return &dm, nil
}

func (d *drainMode) Save(ctx context.Context, dm *v1alpha1.DrainMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dm = *dm
	return nil
}
