package capacity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
)

type fakeProber struct {
	dev Device
	err error
}

func (f *fakeProber) DeviceCapacity(context.Context) (Device, error) {
	return f.dev, f.err
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		dev    *Device
		want   int
	}{
		{"no device uses fallback", DefaultConfig(), nil, 2},
		{"zero memory uses fallback", DefaultConfig(), &Device{}, 2},
		{"24GB card", DefaultConfig(), &Device{TotalMiB: 24564}, 4},
		{"16GB card", DefaultConfig(), &Device{TotalMiB: 16384}, 3},
		{"8GB card", DefaultConfig(), &Device{TotalMiB: 8192}, 2},
		{"4GB card", DefaultConfig(), &Device{TotalMiB: 4096}, 1},
		{"override wins", Config{MaxWorkers: 7}, &Device{TotalMiB: 4096}, 7},
		{"memory per job caps tier", Config{MemoryPerJobMiB: 3000}, &Device{TotalMiB: 24564, UsedMiB: 18000}, 2},
		{"memory per job never below one", Config{MemoryPerJobMiB: 3000}, &Device{TotalMiB: 24564, UsedMiB: 24000}, 1},
		{"memory per job does not raise tier", Config{MemoryPerJobMiB: 1000}, &Device{TotalMiB: 8192}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compute(tt.config, tt.dev))
		})
	}
}

func TestEstimatorReload(t *testing.T) {
	prober := &fakeProber{dev: Device{Name: "RTX 4090", TotalMiB: 24564}}
	e := NewEstimator(DefaultConfig(), prober, logging.Discard())

	assert.Equal(t, 2, e.Capacity(), "fallback before first reload")
	assert.Equal(t, 4, e.Reload(context.Background()))
	assert.Equal(t, 4, e.Capacity())

	dev, ok := e.Device()
	require.True(t, ok)
	assert.Equal(t, "RTX 4090", dev.Name)

	prober.err = errors.New("nvidia-smi missing")
	assert.Equal(t, 2, e.Reload(context.Background()))
	_, ok = e.Device()
	assert.False(t, ok)
}

const smiFixture = `<?xml version="1.0" ?>
<nvidia_smi_log>
	<gpu id="00000000:01:00.0">
		<product_name>NVIDIA GeForce RTX 4090</product_name>
		<uuid>GPU-1234</uuid>
		<fb_memory_usage>
			<total>24564 MiB</total>
			<used>1024 MiB</used>
			<free>23540 MiB</free>
		</fb_memory_usage>
		<utilization>
			<gpu_util>37 %</gpu_util>
			<memory_util>5 %</memory_util>
		</utilization>
		<temperature>
			<gpu_temp>45 C</gpu_temp>
		</temperature>
	</gpu>
</nvidia_smi_log>`

func TestParseNvidiaSMI(t *testing.T) {
	devices, err := ParseNvidiaSMI([]byte(smiFixture))
	require.NoError(t, err)
	require.Len(t, devices, 1)

	d := devices[0]
	assert.Equal(t, "NVIDIA GeForce RTX 4090", d.Name)
	assert.Equal(t, "GPU-1234", d.UUID)
	assert.Equal(t, 24564.0, d.TotalMiB)
	assert.Equal(t, 1024.0, d.UsedMiB)
	assert.Equal(t, 23540.0, d.FreeMiB())
	assert.Equal(t, 37.0, d.UtilizationPercent)
	assert.Equal(t, 45.0, d.TemperatureCelsius)
}

func TestParseNvidiaSMIInvalid(t *testing.T) {
	_, err := ParseNvidiaSMI([]byte("not xml"))
	assert.Error(t, err)
}

func TestProbeHost(t *testing.T) {
	h, err := ProbeHost(context.Background())
	require.NoError(t, err)
	assert.Greater(t, h.MemoryTotal, uint64(0))
}
