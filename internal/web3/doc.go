// Package web3 houses the blockchain helpers used to enrich prompts and to
// serve the wallet and price endpoints: cluster definitions, the balance
// reader contract implemented by the Solana client, and the price feed
// contract implemented by the CoinGecko adapter.
package web3
