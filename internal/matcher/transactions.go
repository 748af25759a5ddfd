package matcher

import (
	"regexp"
	"strings"
	"sync"

	"secondlayer/internal/models"
)

func matchTransaction(f *models.Filter, tx *models.Transaction) bool {
	switch f.Type {
	case models.FilterContractCall:
		return matchContractCall(f, tx)
	case models.FilterContractDeploy:
		return matchContractDeploy(f, tx)
	}
	return false
}

func matchContractCall(f *models.Filter, tx *models.Transaction) bool {
	if tx.Type != models.TxTypeContractCall {
		return false
	}
	if f.ContractID != "" && (tx.ContractID == nil || *tx.ContractID != f.ContractID) {
		return false
	}
	if f.FunctionName != "" {
		if tx.FunctionName == nil || !globMatch(f.FunctionName, *tx.FunctionName) {
			return false
		}
	}
	if f.Caller != "" && f.Caller != tx.Sender {
		return false
	}
	return true
}

func matchContractDeploy(f *models.Filter, tx *models.Transaction) bool {
	if tx.Type != models.TxTypeSmartContract {
		return false
	}
	if f.Deployer != "" && f.Deployer != tx.Sender {
		return false
	}
	if f.ContractName != "" && !globMatch(f.ContractName, tx.ContractName()) {
		return false
	}
	return true
}

var (
	globMu    sync.Mutex
	globCache = make(map[string]*regexp.Regexp)
)

// globMatch matches a pattern where * matches any substring. Everything else
// is literal; regex metacharacters are escaped before compilation. Compiled
// patterns are cached since streams reuse the same filters block after block.
func globMatch(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}

	globMu.Lock()
	re, ok := globCache[pattern]
	if !ok {
		expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
		re = regexp.MustCompile(expr)
		globCache[pattern] = re
	}
	globMu.Unlock()

	return re.MatchString(s)
}
