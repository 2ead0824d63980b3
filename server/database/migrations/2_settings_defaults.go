package dbmigs

import (
	"github.com/go-pg/migrations/v8"
)

// Inserts the default values of the runtime settings and the default
// domain.
func init() {
	migrations.MustRegisterTx(func(db migrations.DB) error {
		_, err := db.Exec(`
             INSERT INTO setting (name, val_type, value) VALUES
                 ('omapi_key', 4, ''),
                 ('ntp_servers', 3, ''),
                 ('default_domain', 3, 'maas'),
                 ('maas_url', 3, 'http://localhost:5240/MAAS'),
                 ('pod_refresh_interval', 1, '300'),
                 ('metrics_collector_interval', 1, '10')
             ON CONFLICT (name) DO NOTHING;

             INSERT INTO domain (name, authoritative, is_default) VALUES
                 ('maas', TRUE, TRUE)
             ON CONFLICT (name) DO NOTHING;
        `)
		return err
	}, func(db migrations.DB) error {
		_, err := db.Exec(`
             DELETE FROM domain WHERE name = 'maas' AND is_default;
             DELETE FROM setting WHERE name IN (
                 'omapi_key', 'ntp_servers', 'default_domain', 'maas_url',
                 'pod_refresh_interval', 'metrics_collector_interval'
             );
        `)
		return err
	})
}
