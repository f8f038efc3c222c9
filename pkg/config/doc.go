/*
Package config loads the daemon configuration: a YAML file declaring
storage directories, data dir, logging and metrics settings, plus the
environment overrides used for test isolation (TEST_STORAGE_DIR,
TEST_DB_PATH, TEST_CONFIG_PATH, INSTANCE_ID).

It also owns the installation's instance identity: a UUID minted once,
persisted in the data dir, and used to name this instance's update and
activity streams in every SD.
*/
package config
