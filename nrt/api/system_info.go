package api

import (
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

// BuildVersion is set with -ldflags "-X 'nostr-relay-tray/nrt/api.BuildVersion=1.2.3'".
var BuildVersion = "dev"

type HostInfo struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Platform      string `json:"platform"`
	PlatformVer   string `json:"platform_version"`
	KernelVersion string `json:"kernel_version"`
	Arch          string `json:"arch"`
	Uptime        uint64 `json:"uptime"`
}

type CPUInfo struct {
	ModelName  string  `json:"model_name"`
	Cores      int     `json:"cores"`
	UsageTotal float64 `json:"usage_total"`
	Load1      float64 `json:"load1"`
	Load5      float64 `json:"load5"`
	Load15     float64 `json:"load15"`
}

type MemInfo struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

type DiskInfo struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

type NetInfo struct {
	RxBytes uint64 `json:"rx_bytes"`
	TxBytes uint64 `json:"tx_bytes"`
	RxBps   uint64 `json:"rx_bps"`
	TxBps   uint64 `json:"tx_bps"`
}

type RelayInfo struct {
	StartAt      int64    `json:"start_at"`
	Version      string   `json:"version"`
	GoVersion    string   `json:"go_version"`
	Goroutines   int      `json:"goroutines"`
	Hub          string   `json:"hub"`
	Proxy        string   `json:"proxy"`
	WotTrusted   int      `json:"wot_trusted"`
	Gates        []string `json:"gates"`
	LimitedPeers int      `json:"limited_peers"`
}

type SysInfoResp struct {
	Timestamp int64     `json:"timestamp"`
	App       RelayInfo `json:"app"`
	Host      HostInfo  `json:"host"`
	CPU       CPUInfo   `json:"cpu"`
	Memory    MemInfo   `json:"memory"`
	Disk      *DiskInfo `json:"disk,omitempty"`
	Net       NetInfo   `json:"net_total"`
}

// SysMonitor keeps the previous network sample to derive rates.
type SysMonitor struct {
	mu        sync.Mutex
	lastAt    time.Time
	lastRx    uint64
	lastTx    uint64
	startedAt time.Time
}

func NewSysMonitor() *SysMonitor {
	now := time.Now()
	return &SysMonitor{lastAt: now, startedAt: now}
}

// Snapshot reads host metrics; errors from individual probes leave their
// section zeroed.
func (m *SysMonitor) Snapshot(diskPath string) *SysInfoResp {
	now := time.Now()
	resp := &SysInfoResp{Timestamp: now.UnixMilli()}

	if hi, err := host.Info(); err == nil {
		resp.Host = HostInfo{
			Hostname:      hi.Hostname,
			OS:            hi.OS,
			Platform:      hi.Platform,
			PlatformVer:   hi.PlatformVersion,
			KernelVersion: hi.KernelVersion,
			Uptime:        hi.Uptime,
		}
	}
	resp.Host.Arch = runtime.GOARCH

	resp.CPU.Cores, _ = cpu.Counts(true)
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		resp.CPU.ModelName = infos[0].ModelName
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		resp.CPU.UsageTotal = pct[0]
	}
	if ld, err := load.Avg(); err == nil {
		resp.CPU.Load1, resp.CPU.Load5, resp.CPU.Load15 = ld.Load1, ld.Load5, ld.Load15
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Memory = MemInfo{Total: vm.Total, Used: vm.Used, Free: vm.Available, UsedPercent: vm.UsedPercent}
	}

	if du, err := disk.Usage(diskPath); err == nil {
		resp.Disk = &DiskInfo{Path: du.Path, Total: du.Total, Used: du.Used, Free: du.Free, UsedPercent: du.UsedPercent}
	}

	var rx, tx uint64
	if stats, err := gnet.IOCounters(true); err == nil {
		for _, s := range stats {
			n := strings.ToLower(s.Name)
			if strings.HasPrefix(n, "lo") || strings.Contains(n, "loopback") {
				continue
			}
			rx += s.BytesRecv
			tx += s.BytesSent
		}
	}

	m.mu.Lock()
	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	resp.Net = NetInfo{RxBytes: rx, TxBytes: tx}
	if m.lastRx > 0 && rx >= m.lastRx && tx >= m.lastTx {
		resp.Net.RxBps = uint64(float64(rx-m.lastRx) / elapsed)
		resp.Net.TxBps = uint64(float64(tx-m.lastTx) / elapsed)
	}
	m.lastRx, m.lastTx, m.lastAt = rx, tx, now
	resp.App.StartAt = m.startedAt.UnixMilli()
	m.mu.Unlock()

	resp.App.Version = BuildVersion
	resp.App.GoVersion = runtime.Version()
	resp.App.Goroutines = runtime.NumGoroutine()
	return resp
}

// GET /api/systemInfo; concurrent callers share one probe.
func (s *Server) systemInfo(c *gin.Context) {
	v, _, _ := s.sf.Do("system-info", func() (any, error) {
		return s.sys.Snapshot("."), nil
	})
	resp := *v.(*SysInfoResp)
	resp.App.Hub = s.App.Federation.HubStatus().String()
	resp.App.Proxy = s.App.Federation.ProxyStatus().String()
	resp.App.WotTrusted = s.App.Wot.TrustedCount()
	resp.App.Gates = s.App.Policy.GateNames()
	resp.App.LimitedPeers = s.App.Limits.Len()
	c.JSON(http.StatusOK, resp)
}
