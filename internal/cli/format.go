package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"broker-gateway/internal/config"
	"broker-gateway/internal/models"
	"broker-gateway/pkg/utils"
)

// formatTime formats a timestamp in local time; the zero time prints "-".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("02 Jan 15:04")
}

func formatCount(n int) string {
	return utils.FormatQuantity(int64(n))
}

func formatRate(rps float64) string {
	if rps <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%g/s", rps)
}

func joinBrokers(ids []models.BrokerID) string {
	return strings.Join(brokerNames(ids), ", ")
}

func brokerNames(ids []models.BrokerID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func sortedBrokerKeys(cfg *config.Config) []string {
	keys := make([]string, 0, len(cfg.Brokers))
	for k := range cfg.Brokers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
