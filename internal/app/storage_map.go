package app

import (
	"stillwaiting/internal/config"
	"stillwaiting/internal/storage"
)

func mapStorageConfig(rt config.Runtime) storage.Config {
	sc := rt.Storage
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		DSN:         sc.DSN,
		BusyTimeout: rt.StorageBT,
		Redis: storage.RedisConfig{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		},
	}
}
