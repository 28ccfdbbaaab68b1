package migrations

import "embed"

// Files 按方言目录（mysql/、sqlite/）保存数据库迁移脚本。
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS
