package loadbalance

import (
	"math/rand/v2"

	"hiphop-rpc/registry"
)

// WeightedRandomBalancer picks with probability proportional to Weight.
// Endpoints with Weight <= 0 count as 1.
type WeightedRandomBalancer struct{}

func weight(ep registry.Endpoint) int {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}

func (b *WeightedRandomBalancer) Pick(endpoints []registry.Endpoint, _ string) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}

	// 计算总权重
	total := 0
	for _, ep := range endpoints {
		total += weight(ep)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(total)
	for _, ep := range endpoints {
		r -= weight(ep)
		if r < 0 {
			return ep, nil
		}
	}
	return endpoints[len(endpoints)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
