package handler

import (
	"foodshare/internal/app/chat"
	"foodshare/internal/app/store"
	"foodshare/internal/configs"
)

type AppDeps struct {
	Hub    *chat.Hub
	Store  store.ChatStore
	Config *configs.AppConfig
}
