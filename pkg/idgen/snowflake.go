package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 流水号要求：全局唯一、趋势递增（便于索引）、不暴露业务量。
// 多实例部署时每个实例配置不同的节点号（0-1023）。
//
// ============================================================================

var (
	node *snowflake.Node
	mu   sync.Mutex
)

// Init 初始化节点号
func Init(nodeID int64) error {
	mu.Lock()
	defer mu.Unlock()

	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return fmt.Errorf("初始化 ID 生成器失败 node=%d: %w", nodeID, err)
	}
	node = n
	return nil
}

// NextID 未初始化时使用节点 1
func NextID() int64 {
	mu.Lock()
	if node == nil {
		node, _ = snowflake.NewNode(1)
	}
	n := node
	mu.Unlock()
	return n.Generate().Int64()
}

func generate(prefix string) string {
	return fmt.Sprintf("%s%s%d", prefix, time.Now().Format("20060102"), NextID())
}

// GenerateTransactionNo 消费流水号，格式：TXN + 年月日 + 雪花ID
func GenerateTransactionNo() string {
	return generate("TXN")
}

// GenerateCancelNo 冲正流水号
func GenerateCancelNo() string {
	return generate("CXL")
}

// GenerateRechargeNo 充值流水号
func GenerateRechargeNo() string {
	return generate("RCG")
}

// GenerateOfflineNo 离线补录流水号
func GenerateOfflineNo() string {
	return generate("OFL")
}

// GenerateSagaTransactionNo 编排事务中的流水号
func GenerateSagaTransactionNo() string {
	return generate("SGA")
}
