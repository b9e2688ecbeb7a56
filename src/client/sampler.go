package client

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/nhirsama/Goster-Telemetry/src/inter"
)

// Sampler 提供一条传感器采样
type Sampler interface {
	Sample(now time.Time) inter.Reading
}

// RandomSampler 模拟温湿度传感器：温度 20~35°C，湿度 40~70%，保留两位小数
type RandomSampler struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRandomSampler(seed int64) *RandomSampler {
	return &RandomSampler{rnd: rand.New(rand.NewSource(seed))}
}

func (s *RandomSampler) Sample(now time.Time) inter.Reading {
	s.mu.Lock()
	temp := 20 + s.rnd.Float64()*15
	hum := 40 + s.rnd.Float64()*30
	s.mu.Unlock()
	return inter.Reading{
		Temp:      float32(math.Round(temp*100) / 100),
		Hum:       float32(math.Round(hum*100) / 100),
		Timestamp: uint32(now.Unix()),
	}
}
