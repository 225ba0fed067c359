package cassandra

import (
	"github.com/gocql/gocql"
	"github.com/mohitkumar/streamflow/persistence"
)

type baseDao struct {
	Session   *gocql.Session
	namespace string
}

func NewBaseDao(conf Config) (*baseDao, error) {
	cluster := gocql.NewCluster(conf.Addrs...)
	cluster.Keyspace = conf.KeySpace
	cluster.Consistency = gocql.Quorum
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return &baseDao{
		Session:   session,
		namespace: conf.KeySpace,
	}, nil
}

func (bs *baseDao) Close() {
	bs.Session.Close()
}
