package models

// MHealthSnapshot is the observability view of the engine.
type MHealthSnapshot struct {
	Connections   int `json:"connections"`
	Users         int `json:"users"`
	GraceUsers    int `json:"grace_users"`
	Subscriptions int `json:"subscriptions"`
	IndexSize     int `json:"index_size"`

	QueueDepths MQueueDepths `json:"queue_depths"`

	CacheHitRate      float64 `json:"cache_hit_rate"`
	IndexCacheHitRate float64 `json:"index_cache_hit_rate"`

	Delivery MDeliveryCounters `json:"delivery"`
	Process  MProcessStats     `json:"process"`
}

type MQueueDepths struct {
	Ingress int            `json:"ingress"`
	Pending map[string]int `json:"pending"` // per priority tier
}

type MDeliveryCounters struct {
	Accepted         uint64                  `json:"accepted"`
	Rejected         uint64                  `json:"rejected"`
	Delivered        uint64                  `json:"delivered"`
	Batches          uint64                  `json:"batches"`
	Deferred         uint64                  `json:"deferred"`
	Dropped          uint64                  `json:"dropped"`
	Duplicates       uint64                  `json:"duplicates"`
	Discarded        uint64                  `json:"discarded"`
	Offline          uint64                  `json:"offline"`
	DeliveryFailures uint64                  `json:"delivery_failures"`
	UnknownTypes     uint64                  `json:"unknown_types"`
	Latency          map[string]MLatencyView `json:"latency"`
}

type MLatencyView struct {
	Count uint64  `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`
}

type MProcessStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSMB      float64 `json:"rss_mb"`
	Goroutines int     `json:"goroutines"`
}
