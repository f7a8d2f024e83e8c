package manager

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"text/template"

	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
	"golang.org/x/sync/errgroup"

	"github.com/mloubout/azmanagers/azure"
)

// hostStatus is this process's own resource usage, gathered the way
// bigmachine's status page gathers per-machine MemInfo/DiskInfo
// /LoadInfo — here applied to the manager host itself, since workers
// are owned by an external, RPC-capable runtime this package does
// not have a channel into.
type hostStatus struct {
	MemUsedPercent  float64
	DiskUsedPercent float64
	Load1           float64
}

func (m *Manager) hostStatus(ctx context.Context) (hostStatus, error) {
	var st hostStatus
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := mem.VirtualMemory()
		if err != nil {
			return err
		}
		st.MemUsedPercent = v.UsedPercent
		return nil
	})
	g.Go(func() error {
		d, err := disk.Usage("/")
		if err != nil {
			return err
		}
		st.DiskUsedPercent = d.UsedPercent
		return nil
	})
	g.Go(func() error {
		l, err := load.Avg()
		if err != nil {
			return err
		}
		st.Load1 = l.Load1
		return nil
	})
	if err := g.Wait(); err != nil {
		return st, err
	}
	return st, nil
}

type scalesetStatusRow struct {
	Key   azure.ScaleSetKey
	Count int
}

const statusTemplate = `azmanagers status
host: mem={{printf "%.1f" .Host.MemUsedPercent}}% disk={{printf "%.1f" .Host.DiskUsedPercent}}% load1={{printf "%.2f" .Host.Load1}}
scale sets:
{{range .ScaleSets}}	{{.Key.ScaleSet}}	{{.Key.ResourceGroup}}	{{.Count}}
{{end}}`

// WriteStatus renders the manager's debug status page to w: the
// manager's own resource usage plus the live scale-set reference
// counts, in the tabwriter-rendered text/template style of
// bigmachine's status.go.
func (m *Manager) WriteStatus(ctx context.Context, w io.Writer) error {
	host, err := m.hostStatus(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	rows := make([]scalesetStatusRow, 0, len(m.count))
	for k, v := range m.count {
		rows = append(rows, scalesetStatusRow{Key: k, Count: v})
	}
	m.mu.Unlock()

	tmpl, err := template.New("status").Parse(statusTemplate)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	data := struct {
		Host      hostStatus
		ScaleSets []scalesetStatusRow
	}{Host: host, ScaleSets: rows}
	if err := tmpl.Execute(tw, data); err != nil {
		return fmt.Errorf("rendering status: %w", err)
	}
	return nil
}
