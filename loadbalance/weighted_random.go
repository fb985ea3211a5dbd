package loadbalance

import (
	"math/rand/v2"

	"mini-sip/discovery"
)

// WeightedRandomBalancer picks proportionally to Weight. Instances announced
// without a weight count as 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(_ string, instances []discovery.Instance) (discovery.Instance, error) {
	if len(instances) == 0 {
		return discovery.Instance{}, ErrNoInstances
	}

	// 计算总权重
	total := 0
	for _, v := range instances {
		total += weight(v)
	}

	r := rand.IntN(total)
	for _, v := range instances {
		r -= weight(v)
		if r < 0 {
			return v, nil
		}
	}
	return instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "weighted_random"
}

func weight(i discovery.Instance) int {
	if i.Weight <= 0 {
		return 1
	}
	return i.Weight
}
