package leveldbcas

import (
	"flag"
	"fmt"

	"decentnet.org/podsign/storage"
	"decentnet.org/podsign/storage/casregistry"
)

var flagPath string

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "leveldb",
		Description: "LevelDB-backed blob store",
		Usage:       casregistry.UsageCLI | casregistry.UsageDaemon,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagPath, "leveldb-path", "", "database directory (for --backend=leveldb)")
		},
		Open: func() (storage.CAS, func() error, error) {
			return open(flagPath)
		},
		OpenConfig: func(cfg map[string]string) (storage.CAS, func() error, error) {
			return open(cfg["leveldb-path"])
		},
	})
}

func open(path string) (storage.CAS, func() error, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("leveldbcas: missing leveldb-path")
	}
	c, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}
