package ord

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-secrets-ord/wallet"
)

const inscriptionStoragePrefix = "inscriptions/"

// storedInscription records where an inscription sits inside a wallet output
type storedInscription struct {
	ID           string    `json:"id"`
	TxID         string    `json:"txid"`
	Vout         int       `json:"vout"`
	Offset       int64     `json:"offset"`
	RegisteredAt time.Time `json:"registered_at"`
}

func (i storedInscription) outpoint() string {
	return outpointKey(i.TxID, i.Vout)
}

func outpointKey(txid string, vout int) string {
	return txid + ":" + strconv.Itoa(vout)
}

func inscriptionView(s logical.Storage, walletName string) *logical.StorageView {
	return logical.NewStorageView(s, inscriptionStoragePrefix+walletName+"/")
}

// parseInscriptionID splits an inscription ID of the form <txid>i<index>
func parseInscriptionID(id string) (string, int, error) {
	txid, index, ok := strings.Cut(id, "i")
	if !ok {
		return "", 0, fmt.Errorf("inscription id %q must look like <txid>i<index>", id)
	}
	if _, err := chainhash.NewHashFromStr(txid); err != nil || len(txid) != chainhash.MaxHashStringSize {
		return "", 0, fmt.Errorf("inscription id %q has an invalid txid", id)
	}
	n, err := strconv.Atoi(index)
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("inscription id %q has an invalid index", id)
	}
	return txid, n, nil
}

func getInscription(ctx context.Context, s logical.Storage, walletName, id string) (*storedInscription, error) {
	entry, err := inscriptionView(s, walletName).Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("error retrieving inscription: %w", err)
	}
	if entry == nil {
		return nil, nil
	}

	ins := new(storedInscription)
	if err := entry.DecodeJSON(ins); err != nil {
		return nil, fmt.Errorf("error decoding inscription: %w", err)
	}
	return ins, nil
}

func saveInscription(ctx context.Context, s logical.Storage, walletName string, ins *storedInscription) error {
	entry, err := logical.StorageEntryJSON(ins.ID, ins)
	if err != nil {
		return fmt.Errorf("error creating storage entry: %w", err)
	}
	if err := inscriptionView(s, walletName).Put(ctx, entry); err != nil {
		return fmt.Errorf("error saving inscription: %w", err)
	}
	return nil
}

func deleteInscription(ctx context.Context, s logical.Storage, walletName, id string) error {
	if err := inscriptionView(s, walletName).Delete(ctx, id); err != nil {
		return fmt.Errorf("error deleting inscription: %w", err)
	}
	return nil
}

// listInscriptions returns every registered inscription of a wallet sorted by ID
func listInscriptions(ctx context.Context, s logical.Storage, walletName string) ([]storedInscription, error) {
	view := inscriptionView(s, walletName)
	ids, err := view.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("error listing inscriptions: %w", err)
	}

	out := make([]storedInscription, 0, len(ids))
	for _, id := range ids {
		ins, err := getInscription(ctx, s, walletName, id)
		if err != nil {
			return nil, err
		}
		if ins != nil {
			out = append(out, *ins)
		}
	}

	slices.SortFunc(out, func(a, b storedInscription) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// deleteInscriptions removes the whole registry of a wallet
func deleteInscriptions(ctx context.Context, s logical.Storage, walletName string) error {
	if err := logical.ClearView(ctx, inscriptionView(s, walletName)); err != nil {
		return fmt.Errorf("error deleting inscriptions: %w", err)
	}
	return nil
}

// inscriptionsByOutpoint groups registered inscriptions by the output holding them
func inscriptionsByOutpoint(list []storedInscription) map[string][]wallet.Inscription {
	byOutpoint := make(map[string][]wallet.Inscription)
	for _, ins := range list {
		byOutpoint[ins.outpoint()] = append(byOutpoint[ins.outpoint()], wallet.Inscription{
			ID:     ins.ID,
			Offset: ins.Offset,
		})
	}
	for key, group := range byOutpoint {
		byOutpoint[key] = wallet.SortInscriptions(group)
	}
	return byOutpoint
}

// forgetSpentInscriptions drops the registry entries of inscriptions that
// left the wallet with the given inputs
func forgetSpentInscriptions(ctx context.Context, s logical.Storage, walletName string, inputs []wallet.UTXO) error {
	var result *multierror.Error
	for _, in := range inputs {
		for _, ins := range in.Inscriptions {
			if err := deleteInscription(ctx, s, walletName, ins.ID); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}
