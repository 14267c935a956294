// Package influxdb records entity values of the active home in InfluxDB.
//
// It wraps influxdb-client-go v2 with its non-blocking, batched write
// API. Every numeric or boolean value the mirror sees becomes one point
// in the entity_values measurement, tagged by home, device, entity and
// kind, so dashboards can chart a sensor or count relay toggles.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteEntityValue(influxdb.EntityPoint{
//	    HomeID: "home-a", DeviceID: "D2", EntityID: "temp_1",
//	    Kind: "sensor", Number: &celsius, Time: time.Now(),
//	})
//
// Write failures surface asynchronously through SetOnError. Connection
// and health check errors are returned directly.
package influxdb
