package space

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/macvmio/smbvol/pkg/volerr"
)

// Capacity describes one share in bytes.
type Capacity struct {
	Total     int64
	Available int64
	Allocated int64
}

// CapacityReporter returns the filesystem size and free space under path.
type CapacityReporter interface {
	Capacity(path string) (total int64, available int64, err error)
}

// Eligible reports whether a share with capacity c can host requested more bytes. The share must
// not be used above usedRatio and the space promised to volumes must stay below total*oversubRatio.
func Eligible(c Capacity, requested int64, usedRatio, oversubRatio float64) (bool, string) {
	if c.Total <= 0 {
		return false, "share reports no capacity"
	}
	total := float64(c.Total)
	apparentSize := max(0, total*oversubRatio)
	apparentAvailable := max(0, apparentSize-float64(c.Allocated))
	used := (total - float64(c.Available)) / total

	if used > usedRatio {
		return false, "above used ratio"
	}
	if apparentAvailable <= float64(requested) {
		return false, "above oversubscription ratio"
	}
	if float64(c.Allocated)/total >= oversubRatio {
		return false, "reserved space is above oversubscription ratio"
	}
	return true, ""
}

// Planner picks shares for new volumes.
type Planner struct {
	accountant   *Accountant
	reporter     CapacityReporter
	usedRatio    float64
	oversubRatio float64
}

func NewPlanner(a *Accountant, r CapacityReporter, usedRatio, oversubRatio float64) *Planner {
	return &Planner{accountant: a, reporter: r, usedRatio: usedRatio, oversubRatio: oversubRatio}
}

func (p *Planner) Capacity(shareDir string) (Capacity, error) {
	total, available, err := p.reporter.Capacity(shareDir)
	if err != nil {
		return Capacity{}, fmt.Errorf("unable to get capacity of '%v': %w", shareDir, err)
	}
	allocated, err := p.accountant.TotalAllocated(shareDir)
	if err != nil {
		return Capacity{}, err
	}
	p.accountant.logger().WithFields(logrus.Fields{"share": shareDir}).Infof("total size %s, available %s, allocated %s",
		humanize.IBytes(uint64(total)), humanize.IBytes(uint64(available)), humanize.IBytes(uint64(allocated)))
	return Capacity{Total: total, Available: available, Allocated: allocated}, nil
}

// Eligible reports whether shareDir can grow by sizeGiB.
func (p *Planner) Eligible(shareDir string, sizeGiB int64) (bool, error) {
	c, err := p.Capacity(shareDir)
	if err != nil {
		return false, err
	}
	ok, reason := Eligible(c, sizeGiB<<30, p.usedRatio, p.oversubRatio)
	if !ok {
		p.accountant.logger().WithFields(logrus.Fields{"share": shareDir}).Debugf("share not eligible: %s", reason)
	}
	return ok, nil
}

// SelectShare returns the eligible share with the least allocated space.
func (p *Planner) SelectShare(shareDirs []string, sizeGiB int64) (string, error) {
	target := ""
	var targetAllocated int64
	for _, dir := range shareDirs {
		c, err := p.Capacity(dir)
		if err != nil {
			return "", err
		}
		if ok, reason := Eligible(c, sizeGiB<<30, p.usedRatio, p.oversubRatio); !ok {
			p.accountant.logger().WithFields(logrus.Fields{"share": dir}).Debugf("share not eligible: %s", reason)
			continue
		}
		if target == "" || c.Allocated < targetAllocated {
			target = dir
			targetAllocated = c.Allocated
		}
	}
	if target == "" {
		return "", &volerr.NoSuitableShareError{SizeGiB: sizeGiB}
	}
	p.accountant.logger().WithFields(logrus.Fields{"share": target}).Debug("selected target share")
	return target, nil
}
