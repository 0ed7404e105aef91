package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsValidator  int64
	errorsDrift      int64
	errorsDispatch   int64
	warnsValidator   int64
	warnsDrift       int64
	warnsDispatch    int64
	readingsAccepted int64
	readingsRejected int64
	scoreCycles      int64
	driftChecks      int64
	driftDetections  int64
	sinkEmits        int64
	sinkRetries      int64
	sinkSheds        int64
	snapshotSaves    int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "validator"):
		atomic.AddInt64(&warnsValidator, 1)
	case strings.Contains(component, "drift"):
		atomic.AddInt64(&warnsDrift, 1)
	case strings.Contains(component, "dispatcher"), strings.Contains(component, "sink"):
		atomic.AddInt64(&warnsDispatch, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "validator"):
		atomic.AddInt64(&errorsValidator, 1)
	case strings.Contains(component, "drift"):
		atomic.AddInt64(&errorsDrift, 1)
	case strings.Contains(component, "dispatcher"), strings.Contains(component, "sink"):
		atomic.AddInt64(&errorsDispatch, 1)
	}
}

// IncrementReadingAccepted records one reading that passed validation.
func IncrementReadingAccepted() {
	atomic.AddInt64(&readingsAccepted, 1)
}

// IncrementReadingRejected records one classified rejection.
func IncrementReadingRejected() {
	atomic.AddInt64(&readingsRejected, 1)
}

// IncrementScoreCycle records one completed scoring cycle.
func IncrementScoreCycle() {
	atomic.AddInt64(&scoreCycles, 1)
}

// IncrementDriftCheck records one baseline/current comparison.
func IncrementDriftCheck() {
	atomic.AddInt64(&driftChecks, 1)
}

// IncrementDriftDetection records one comparison that decided Drift.
func IncrementDriftDetection() {
	atomic.AddInt64(&driftDetections, 1)
}

// IncrementSinkEmit records one acknowledged sink delivery.
func IncrementSinkEmit() {
	atomic.AddInt64(&sinkEmits, 1)
}

// IncrementSinkRetry records one requeued delivery.
func IncrementSinkRetry() {
	atomic.AddInt64(&sinkRetries, 1)
}

// IncrementSinkShed records one event dropped under backpressure.
func IncrementSinkShed() {
	atomic.AddInt64(&sinkSheds, 1)
}

// IncrementSnapshotSave records one persisted state snapshot.
func IncrementSnapshotSave() {
	atomic.AddInt64(&snapshotSaves, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_validator":  atomic.LoadInt64(&errorsValidator),
		"errors_drift":      atomic.LoadInt64(&errorsDrift),
		"errors_dispatch":   atomic.LoadInt64(&errorsDispatch),
		"warns_validator":   atomic.LoadInt64(&warnsValidator),
		"warns_drift":       atomic.LoadInt64(&warnsDrift),
		"warns_dispatch":    atomic.LoadInt64(&warnsDispatch),
		"readings_accepted": atomic.LoadInt64(&readingsAccepted),
		"readings_rejected": atomic.LoadInt64(&readingsRejected),
		"score_cycles":      atomic.LoadInt64(&scoreCycles),
		"drift_checks":      atomic.LoadInt64(&driftChecks),
		"drift_detections":  atomic.LoadInt64(&driftDetections),
		"sink_emits":        atomic.LoadInt64(&sinkEmits),
		"sink_retries":      atomic.LoadInt64(&sinkRetries),
		"sink_sheds":        atomic.LoadInt64(&sinkSheds),
		"snapshot_saves":    atomic.LoadInt64(&snapshotSaves),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         int64(memStats.Used) / 1024 / 1024,
		"disk_mb":           int64(diskStats.Used) / 1024 / 1024,
		"channels":          channelData,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("SensorFlow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("SensorFlow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("SensorFlow-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("SensorFlow-ReadingsAccepted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["readings_accepted"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SensorFlow-ReadingsRejected"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["readings_rejected"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SensorFlow-ScoreCycles"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["score_cycles"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SensorFlow-DriftChecks"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["drift_checks"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SensorFlow-DriftDetections"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["drift_detections"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SensorFlow-SinkEmits"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["sink_emits"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SensorFlow-SinkRetries"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["sink_retries"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SensorFlow-SinkSheds"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["sink_sheds"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SensorFlow-SnapshotSaves"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["snapshot_saves"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SensorFlow-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("SensorFlow-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("SensorFlow-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("SensorFlow-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
