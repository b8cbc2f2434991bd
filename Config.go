/*
File Name:  Config.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package core

import (
	_ "embed" // Required for embedding default Config file
	"io/ioutil"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// Version is the current core library version
const Version = "Alpha 1/23.08.2026"

var config struct {
	LogFile string `yaml:"LogFile"` // Log file

	Listen        []string `yaml:"Listen"`        // IP:Port combinations
	ListenWorkers int      `yaml:"ListenWorkers"` // Count of workers to process incoming raw packets. Default 2.

	// User specific settings
	PrivateKey string `yaml:"PrivateKey"` // The Private Key, hex encoded so it can be copied manually

	// Initial peer seed list
	SeedList           []peerSeed `yaml:"SeedList"`
	AutoUpdateSeedList bool       `yaml:"AutoUpdateSeedList"`
	SeedListVersion    int        `yaml:"SeedListVersion"`

	// LocalDiscovery enables IPv6 multicast and IPv4 broadcast discovery of peers in the same network.
	LocalDiscovery bool `yaml:"LocalDiscovery"`

	// StoreFile is the database file of records stored on behalf of the network. Empty = in-memory only.
	StoreFile string `yaml:"StoreFile"`

	// Marketplace settings
	ListingExpiration int    `yaml:"ListingExpiration"` // Expiration of published listings in days. Default 30.
	OrderFile         string `yaml:"OrderFile"`         // Database file of the local orders. Empty = in-memory only.

	// API settings for the HTTP API
	APIListen []string `yaml:"APIListen"` // IP:Port combinations for the API to listen
	APIKey    string   `yaml:"APIKey"`    // API key required via the x-api-key header. Empty = no authentication.
}

// peerSeed is a single peer entry from the config's seed list
type peerSeed struct {
	PublicKey string   `yaml:"PublicKey"` // Public key = peer ID. Hex encoded.
	Address   []string `yaml:"Address"`   // IP:Port
}

var configFile string

//go:embed "Config Default.yaml"
var defaultConfig []byte

// LoadConfig reads the YAML configuration file. If an error is returned, the application shall exit.
// Status: 0 = Unknown error checking config file, 1 = Error reading config file, 2 = Error parsing config file, 3 = Success
func LoadConfig(filename string) (status int, err error) {
	var configData []byte
	configFile = filename

	// check if the file is non existent or empty
	stats, err := os.Stat(filename)
	if err != nil && os.IsNotExist(err) || err == nil && stats.Size() == 0 {
		configData = defaultConfig
	} else if err != nil {
		return 0, err
	} else if configData, err = ioutil.ReadFile(filename); err != nil {
		return 1, err
	}

	// parse the config
	err = yaml.Unmarshal(configData, &config)
	if err != nil {
		return 2, err
	}

	return 3, nil
}

func saveConfig() {
	data, err := yaml.Marshal(config)
	if err != nil {
		Filters.LogError("saveConfig", "marshalling config: %v\n", err.Error())
		return
	}

	err = ioutil.WriteFile(configFile, data, 0644)
	if err != nil {
		Filters.LogError("saveConfig", "writing config '%s': %v\n", configFile, err.Error())
		return
	}
}

// InitLog redirects subsequent log messages into the default log file specified in the configuration
func InitLog() (err error) {
	logFile, err := os.OpenFile(config.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	//defer logFile.Close()	// has to remain open until program closes

	log.SetOutput(logFile)
	log.Printf("---- Bazaarnet Node " + Version + " ----\n")

	return nil
}

func configUpdateSeedList() {
	// parse the embedded config
	configD := config
	if err := yaml.Unmarshal(defaultConfig, &configD); err != nil {
		return
	}

	if config.SeedListVersion < configD.SeedListVersion {
		config.SeedList = configD.SeedList
		config.SeedListVersion = configD.SeedListVersion
		saveConfig()
	}
}
