package target

import (
	"context"
	"errors"

	"OpenFAM-Supply/internal/supplier"
)

// Fanout 把通知依次转发给多个目标。回执取自第一个目标，
// 任一目标失败都视为登记失败。
type Fanout struct {
	targets []supplier.Target
}

// NewFanout 创建组合目标，忽略 nil。
func NewFanout(targets ...supplier.Target) *Fanout {
	f := &Fanout{}
	for _, t := range targets {
		if t != nil {
			f.targets = append(f.targets, t)
		}
	}
	return f
}

func (f *Fanout) NotifyFileAdded(ctx context.Context, path string, info supplier.Info) (supplier.Record, error) {
	var (
		first supplier.Record
		errs  []error
	)
	for i, t := range f.targets {
		record, err := t.NotifyFileAdded(ctx, path, info)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if i == 0 {
			first = record
		}
	}
	return first, errors.Join(errs...)
}

func (f *Fanout) NotifyFileSupplyingDone(ctx context.Context, info supplier.Info) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.NotifyFileSupplyingDone(ctx, info); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) NotifyFileSupplyingFailed(ctx context.Context, info supplier.Info, diagnostic string) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.NotifyFileSupplyingFailed(ctx, info, diagnostic); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ supplier.Target = (*Fanout)(nil)
