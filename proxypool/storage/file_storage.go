package storage

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"crawladapter/internal/shared/logger"
	"crawladapter/proxypool/model"
)

const (
	delimiter = "|"
	numFields = 8 // Name|Timestamp(ms)|Success|LatencyMs|Connectivity|SuccessRate|OverallScore|Error
)

var (
	escaper   = strings.NewReplacer("%", "%25", delimiter, "%7C", "\n", "%0A", "\r", "%0D")
	unescaper = strings.NewReplacer("%7C", delimiter, "%0A", "\n", "%0D", "\r", "%25", "%")
)

// Storage 接口定义了健康快照持久化的行为。
type Storage interface {
	Load() (map[string]model.HealthSample, error)
	Save(samples map[string]model.HealthSample) error
}

// FileStorage 实现了 Storage 接口，每个代理的最后一个样本占一行纯文本。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Load 从纯文本文件加载快照。文件不存在时返回空 map。
func (fs *FileStorage) Load() (map[string]model.HealthSample, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("ProxyPool/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Health snapshot not found, starting cold.")
			return make(map[string]model.HealthSample), nil
		}
		return nil, err
	}
	defer file.Close()

	samples := make(map[string]model.HealthSample)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.Split(line, delimiter)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in health snapshot.")
			continue
		}

		name, s, err := parseSample(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse health sample from line, skipping.")
			continue
		}
		samples[name] = s
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", len(samples)).Msg("Loaded health snapshot.")
	return samples, nil
}

// Save 将快照写入纯文本文件 (先写临时文件再改名)。
func (fs *FileStorage) Save(samples map[string]model.HealthSample) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	names := make([]string, 0, len(samples))
	for name := range samples {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(formatSample(name, samples[name]))
		sb.WriteString("\n")
	}

	tmp := fs.filePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, fs.filePath); err != nil {
		return err
	}

	l := logger.WithComponent("ProxyPool/Storage")
	l.Debug().Int("count", len(names)).Msg("Saved health snapshot.")
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// formatSample 将一个样本格式化为一行文本。
func formatSample(name string, s model.HealthSample) string {
	var ts int64
	if !s.Timestamp.IsZero() {
		ts = s.Timestamp.UnixMilli()
	}
	return strings.Join([]string{
		escaper.Replace(name),
		strconv.FormatInt(ts, 10),
		strconv.FormatBool(s.Success),
		strconv.FormatInt(s.LatencyMs, 10),
		formatFloat(s.Connectivity),
		formatFloat(s.SuccessRate),
		formatFloat(s.OverallScore),
		escaper.Replace(s.Error),
	}, delimiter)
}

// parseSample 从字符串切片解析出名称和样本。
func parseSample(fields []string) (string, model.HealthSample, error) {
	var s model.HealthSample
	name := unescaper.Replace(fields[0])
	if name == "" {
		return "", s, fmt.Errorf("empty name")
	}

	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return "", s, fmt.Errorf("invalid timestamp: %w", err)
	}
	if s.Success, err = strconv.ParseBool(fields[2]); err != nil {
		return "", s, fmt.Errorf("invalid success: %w", err)
	}
	if s.LatencyMs, err = strconv.ParseInt(fields[3], 10, 64); err != nil {
		return "", s, fmt.Errorf("invalid latency: %w", err)
	}
	floats := []*float64{&s.Connectivity, &s.SuccessRate, &s.OverallScore}
	for i, dst := range floats {
		if *dst, err = strconv.ParseFloat(fields[4+i], 64); err != nil {
			return "", s, fmt.Errorf("invalid score field %d: %w", 4+i, err)
		}
	}
	s.Error = unescaper.Replace(fields[7])

	if ts > 0 {
		s.Timestamp = time.UnixMilli(ts)
	}
	return name, s, nil
}
