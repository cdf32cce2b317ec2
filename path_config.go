package ord

import (
	"context"
	cryptorand "crypto/rand"
	"fmt"
	"maps"
	"math/big"
	"slices"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-secrets-ord/wallet"
)

const (
	configStoragePath = "config"

	defaultNetwork          = "mainnet"
	defaultMinConfirmations = 1
)

// Default Electrum server pools per network.
// When no electrum_url is configured, a random server is selected per connection.
var (
	MainnetElectrumServers = []string{
		"ssl://electrum.blockstream.info:50002",
		"ssl://electrum.bitaroo.net:50002",
		"ssl://electrum.emzy.de:50002",
	}

	Testnet4ElectrumServers = []string{
		"ssl://mempool.space:40002",
		"ssl://electrum.blockstream.info:60002",
	}

	// Signet and regtest have no default servers
	SignetElectrumServers  = []string{}
	RegtestElectrumServers = []string{}
)

func serverPool(network string) []string {
	switch network {
	case "testnet4":
		return Testnet4ElectrumServers
	case "signet":
		return SignetElectrumServers
	case "regtest":
		return RegtestElectrumServers
	default:
		return MainnetElectrumServers
	}
}

// getRandomServer returns a random server from the pool of the given network
func getRandomServer(network string) string {
	servers := serverPool(network)
	if len(servers) == 0 {
		return ""
	}

	n, err := cryptorand.Int(cryptorand.Reader, big.NewInt(int64(len(servers))))
	if err != nil {
		return servers[0]
	}
	return servers[n.Int64()]
}

// ordConfig stores the secrets engine configuration
type ordConfig struct {
	ElectrumURL      string                `json:"electrum_url"`
	Network          string                `json:"network"`
	MinConfirmations int                   `json:"min_confirmations"`
	Chain            wallet.ConfigOverride `json:"chain"`
}

func (c *ordConfig) network() string {
	if c == nil || c.Network == "" {
		return defaultNetwork
	}
	return c.Network
}

func (c *ordConfig) minConfirmations() int {
	if c == nil {
		return defaultMinConfirmations
	}
	return c.MinConfirmations
}

// chainConfig resolves the chain parameters with the stored overrides applied
func (c *ordConfig) chainConfig() (wallet.ChainConfig, error) {
	params, err := wallet.NetworkParams(c.network())
	if err != nil {
		return wallet.ChainConfig{}, err
	}

	cfg := wallet.DefaultChainConfig(params)
	if c != nil {
		cfg = cfg.Merge(&c.Chain)
	}
	return cfg, cfg.Validate()
}

func pathConfig(b *ordBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "config",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
			},
			Fields: map[string]*framework.FieldSchema{
				"electrum_url": {
					Type:        framework.TypeString,
					Description: "Electrum server URL. If not set, a random server from the default pool is used per connection.",
				},
				"network": {
					Type:        framework.TypeString,
					Description: "Network: mainnet, testnet4, signet or regtest (signet and regtest require electrum_url)",
					Default:     defaultNetwork,
				},
				"min_confirmations": {
					Type:        framework.TypeInt,
					Description: "Minimum confirmations required to spend UTXOs (default: 1)",
					Default:     defaultMinConfirmations,
				},
				"dust_threshold": {
					Type:        framework.TypeInt,
					Description: "Smallest output value worth creating, in satoshis (default: 1000)",
				},
				"unit_size": {
					Type:        framework.TypeInt,
					Description: "Size of the unit an inscription is isolated into (default: dust_threshold)",
				},
				"default_fee_rate": {
					Type:        framework.TypeInt,
					Description: "Fee rate in sat/vB used when neither the request nor the server gives one (default: 5)",
				},
				"denomination_factor": {
					Type:        framework.TypeInt,
					Description: "Satoshis per display unit (default: 100000000)",
				},
				"tick": {
					Type:        framework.TypeString,
					Description: "Display ticker (default: BTC)",
				},
				"address_versions": {
					Type:        framework.TypeKVPairs,
					Description: "Address version overrides keyed by p2pkh, p2sh, p2wpkh or p2tr",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathConfigRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathConfigWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathConfigWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
				logical.DeleteOperation: &framework.PathOperation{
					Callback: b.pathConfigDelete,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
			},
			ExistenceCheck:  b.pathConfigExistenceCheck,
			HelpSynopsis:    pathConfigHelpSynopsis,
			HelpDescription: pathConfigHelpDescription,
		},
	}
}

func (b *ordBackend) pathConfigExistenceCheck(ctx context.Context, req *logical.Request, data *framework.FieldData) (bool, error) {
	out, err := req.Storage.Get(ctx, configStoragePath)
	if err != nil {
		return false, fmt.Errorf("existence check failed: %w", err)
	}
	return out != nil, nil
}

func (b *ordBackend) pathConfigRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	b.Logger().Debug("reading config")
	config, err := getConfig(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	if config == nil {
		b.Logger().Debug("no config found")
		return nil, nil
	}

	chain, err := config.chainConfig()
	if err != nil {
		return nil, err
	}

	b.Logger().Debug("config read", "network", config.Network, "electrum_url", config.ElectrumURL, "min_confirmations", config.MinConfirmations)

	versions := make(map[string]int, len(chain.AddressVersions))
	for kind, version := range chain.AddressVersions {
		versions[kind] = int(version)
	}

	respData := map[string]interface{}{
		"network":             config.network(),
		"min_confirmations":   config.MinConfirmations,
		"dust_threshold":      chain.DustThreshold,
		"unit_size":           chain.EffectiveUnitSize(),
		"default_fee_rate":    chain.DefaultFeeRate,
		"denomination_factor": chain.DenominationFactor,
		"tick":                chain.Tick,
		"address_versions":    versions,
	}

	if config.ElectrumURL != "" {
		respData["electrum_url"] = config.ElectrumURL
	} else {
		respData["electrum_url"] = "(random from pool)"
		respData["electrum_pool"] = serverPool(config.network())
	}

	return &logical.Response{Data: respData}, nil
}

func (b *ordBackend) pathConfigWrite(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	b.Logger().Debug("writing config", "operation", req.Operation)
	config, err := getConfig(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	createOperation := req.Operation == logical.CreateOperation

	if config == nil {
		if !createOperation {
			return nil, fmt.Errorf("config not found during update operation")
		}
		b.Logger().Debug("creating new config")
		config = &ordConfig{}
	}

	if electrumURL, ok := data.GetOk("electrum_url"); ok {
		config.ElectrumURL = electrumURL.(string)
	}

	if network, ok := data.GetOk("network"); ok {
		config.Network = network.(string)
	} else if createOperation {
		config.Network = data.Get("network").(string)
	}

	if minConf, ok := data.GetOk("min_confirmations"); ok {
		config.MinConfirmations = minConf.(int)
	} else if createOperation {
		config.MinConfirmations = data.Get("min_confirmations").(int)
	}

	if _, err := wallet.NetworkParams(config.Network); err != nil {
		return logical.ErrorResponse("network must be 'mainnet', 'testnet4', 'signet' or 'regtest'"), nil
	}

	if config.MinConfirmations < 0 {
		return logical.ErrorResponse("min_confirmations must be >= 0"), nil
	}

	if resp := applyChainFields(&config.Chain, data); resp != nil {
		return resp, nil
	}

	if _, err := config.chainConfig(); err != nil {
		return logical.ErrorResponse("invalid chain configuration: %s", err), nil
	}

	entry, err := logical.StorageEntryJSON(configStoragePath, config)
	if err != nil {
		return nil, err
	}

	if err := req.Storage.Put(ctx, entry); err != nil {
		return nil, err
	}

	// Reset the client so the new config takes effect
	b.reset()

	b.Logger().Info("config saved", "network", config.Network, "electrum_url", config.ElectrumURL, "min_confirmations", config.MinConfirmations)
	return nil, nil
}

// applyChainFields copies the chain override fields present in the request
func applyChainFields(o *wallet.ConfigOverride, data *framework.FieldData) *logical.Response {
	intFields := map[string]**int64{
		"dust_threshold":      &o.DustThreshold,
		"unit_size":           &o.UnitSize,
		"default_fee_rate":    &o.DefaultFeeRate,
		"denomination_factor": &o.DenominationFactor,
	}
	for name, dst := range intFields {
		if raw, ok := data.GetOk(name); ok {
			v := int64(raw.(int))
			*dst = &v
		}
	}

	if tick, ok := data.GetOk("tick"); ok {
		t := tick.(string)
		o.Tick = &t
	}

	if raw, ok := data.GetOk("address_versions"); ok {
		versions, err := parseAddressVersions(raw.(map[string]string))
		if err != nil {
			return logical.ErrorResponse(err.Error())
		}
		if o.AddressVersions == nil {
			o.AddressVersions = make(map[string]byte, len(versions))
		}
		maps.Copy(o.AddressVersions, versions)
	}
	return nil
}

func parseAddressVersions(raw map[string]string) (map[string]byte, error) {
	known := []string{wallet.VersionP2PKH, wallet.VersionP2SH, wallet.VersionP2WPKH, wallet.VersionP2TR}

	versions := make(map[string]byte, len(raw))
	for kind, value := range raw {
		if !slices.Contains(known, kind) {
			return nil, fmt.Errorf("unknown address version %q: must be one of %v", kind, known)
		}
		var v uint8
		if _, err := fmt.Sscan(value, &v); err != nil {
			return nil, fmt.Errorf("address version %s=%q is not a byte", kind, value)
		}
		versions[kind] = v
	}
	return versions, nil
}

func (b *ordBackend) pathConfigDelete(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	b.Logger().Debug("deleting config")
	err := req.Storage.Delete(ctx, configStoragePath)
	if err != nil {
		return nil, fmt.Errorf("error deleting config: %w", err)
	}

	b.reset()

	b.Logger().Info("config deleted")
	return nil, nil
}

// getConfig retrieves the configuration from storage
func getConfig(ctx context.Context, s logical.Storage) (*ordConfig, error) {
	entry, err := s.Get(ctx, configStoragePath)
	if err != nil {
		return nil, fmt.Errorf("error retrieving config: %w", err)
	}

	if entry == nil {
		return nil, nil
	}

	config := new(ordConfig)
	if err := entry.DecodeJSON(config); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}

	return config, nil
}

// mountSettings is everything a handler needs from the mount config
type mountSettings struct {
	network          string
	minConfirmations int
	chain            wallet.ChainConfig
}

// getMountSettings reads the config and resolves network and chain parameters
func getMountSettings(ctx context.Context, s logical.Storage) (*mountSettings, error) {
	config, err := getConfig(ctx, s)
	if err != nil {
		return nil, err
	}

	chain, err := config.chainConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid chain configuration: %w", err)
	}

	return &mountSettings{
		network:          config.network(),
		minConfirmations: config.minConfirmations(),
		chain:            chain,
	}, nil
}

const pathConfigHelpSynopsis = `
Configure the ordinals secrets engine.
`

const pathConfigHelpDescription = `
This endpoint configures the network, the Electrum server, confirmation
requirements and the chain parameters used when building transactions.

Parameters:
  - network: mainnet, testnet4, signet or regtest (default: mainnet)
  - electrum_url: Electrum server URL (optional - uses random server from pool if not set)
  - min_confirmations: Minimum confirmations to spend UTXOs (default: 1)
  - dust_threshold: Smallest output worth creating in satoshis (default: 1000)
  - unit_size: Size of the unit an inscription is isolated into (default: dust_threshold)
  - default_fee_rate: Fallback fee rate in sat/vB (default: 5)
  - denomination_factor: Satoshis per display unit (default: 100000000)
  - tick: Display ticker (default: BTC)
  - address_versions: Version byte overrides, e.g. address_versions=p2pkh=48,p2sh=50

Example (testnet4 with random server selection):
  $ vault write ord/config network=testnet4

Example (mainnet with a specific server and a lower dust threshold):
  $ vault write ord/config \
      network=mainnet \
      electrum_url="ssl://electrum.blockstream.info:50002" \
      dust_threshold=546

Default server pools:
  - mainnet:  electrum.blockstream.info, electrum.bitaroo.net, electrum.emzy.de
  - testnet4: mempool.space, electrum.blockstream.info
  - signet, regtest: (no default pool - requires explicit electrum_url)
`
