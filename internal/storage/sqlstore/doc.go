// Package sqlstore 使用 database/sql 实现 storage.Store，支持 MySQL 与 SQLite 两种方言。
// 迁移脚本嵌入在 deploy/migrations 中，按方言目录加载并在事务内逐个执行。
package sqlstore
