package capacity

import (
	"context"
	"encoding/xml"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// nvidia-smi -q -x structures
type nvidiaSMILog struct {
	XMLName xml.Name    `xml:"nvidia_smi_log"`
	GPUs    []nvidiaGPU `xml:"gpu"`
}

type nvidiaGPU struct {
	ID          string `xml:"id,attr"`
	ProductName string `xml:"product_name"`
	UUID        string `xml:"uuid"`
	Temperature struct {
		GPUTemp string `xml:"gpu_temp"`
	} `xml:"temperature"`
	Utilization struct {
		GPUUtil    string `xml:"gpu_util"`
		MemoryUtil string `xml:"memory_util"`
	} `xml:"utilization"`
	FBMemory struct {
		Total string `xml:"total"`
		Used  string `xml:"used"`
		Free  string `xml:"free"`
	} `xml:"fb_memory_usage"`
}

const smiCacheTTL = 5 * time.Second

// NvidiaSMI probes GPU memory through the nvidia-smi XML report
type NvidiaSMI struct {
	Binary string
	GPUID  int

	mu         sync.Mutex
	cache      []Device
	lastUpdate time.Time
}

// NewNvidiaSMI creates a probe for the given device index
func NewNvidiaSMI(gpuID int) *NvidiaSMI {
	return &NvidiaSMI{Binary: "nvidia-smi", GPUID: gpuID}
}

// Devices returns every GPU reported by nvidia-smi, cached briefly
func (n *NvidiaSMI) Devices(ctx context.Context) ([]Device, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cache != nil && time.Since(n.lastUpdate) < smiCacheTTL {
		return n.cache, nil
	}

	output, err := exec.CommandContext(ctx, n.Binary, "-q", "-x").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to query nvidia-smi: %w", err)
	}

	devices, err := ParseNvidiaSMI(output)
	if err != nil {
		return nil, err
	}

	n.cache = devices
	n.lastUpdate = time.Now()
	return devices, nil
}

// DeviceCapacity returns the configured GPU
func (n *NvidiaSMI) DeviceCapacity(ctx context.Context) (Device, error) {
	devices, err := n.Devices(ctx)
	if err != nil {
		return Device{}, err
	}
	if n.GPUID < 0 || n.GPUID >= len(devices) {
		return Device{}, fmt.Errorf("gpu %d not found (%d devices)", n.GPUID, len(devices))
	}
	return devices[n.GPUID], nil
}

// ParseNvidiaSMI decodes the XML report of `nvidia-smi -q -x`
func ParseNvidiaSMI(data []byte) ([]Device, error) {
	var smiLog nvidiaSMILog
	if err := xml.Unmarshal(data, &smiLog); err != nil {
		return nil, fmt.Errorf("failed to parse nvidia-smi XML: %w", err)
	}

	devices := make([]Device, 0, len(smiLog.GPUs))
	for i, gpu := range smiLog.GPUs {
		devices = append(devices, Device{
			Index:              i,
			Name:               gpu.ProductName,
			UUID:               gpu.UUID,
			TotalMiB:           parseFloat(gpu.FBMemory.Total),
			UsedMiB:            parseFloat(gpu.FBMemory.Used),
			UtilizationPercent: parseFloat(gpu.Utilization.GPUUtil),
			TemperatureCelsius: parseFloat(gpu.Temperature.GPUTemp),
		})
	}
	return devices, nil
}

// parseFloat extracts float from string with unit (e.g., "24564 MiB" -> 24564)
func parseFloat(s string) float64 {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) == 0 {
		return 0
	}

	val, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	return val
}
