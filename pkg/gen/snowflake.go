package gen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"attribution-pipeline/pkg/config"
)

var Module = fx.Module("gen",
	fx.Provide(NewSnowflakeNode),
)

type SnowflakeNode struct {
	node *snowflake.Node
}

// NewSnowflakeNode uses NODE_ID so that every process generates distinct ids.
func NewSnowflakeNode(cfg *config.Config) (*SnowflakeNode, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node %d: %w", cfg.NodeID, err)
	}
	return &SnowflakeNode{node: node}, nil
}

func (s *SnowflakeNode) GenerateID() snowflake.ID {
	return s.node.Generate()
}
