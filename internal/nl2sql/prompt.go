package nl2sql

import (
	"fmt"
	"strings"

	"github.com/askdb/askdb/internal/dialect"
)

const systemPrompt = "You convert natural language analytics questions into a single read-only SQL SELECT query. " +
	"Return ONLY SQL. No markdown, no explanation."

const builtInSchema = `Available table: loans

Key columns:
- loan_amnt: Loan amount in dollars (NUMERIC)
- int_rate: Interest rate as percentage (NUMERIC)
- grade: Loan grade A-G (VARCHAR)
- sub_grade: Detailed grade like A1, B2 (VARCHAR)
- loan_status: Current, Fully Paid, Charged Off, Default, etc. (VARCHAR)
- annual_inc: Borrower's annual income (NUMERIC)
- purpose: Loan purpose like debt_consolidation, credit_card (VARCHAR)
- addr_state: US state code (VARCHAR)
- term: Loan term like '36 months' or '60 months' (VARCHAR)
- issue_d: Loan issue date (DATE)
- dti: Debt-to-income ratio (NUMERIC)
- home_ownership: RENT, OWN, MORTGAGE, etc. (VARCHAR)
- emp_length: Employment length (VARCHAR)

Common loan_status values:
- 'Current' - Active and up to date
- 'Fully Paid' - Successfully completed
- 'Charged Off' - Defaulted
- 'Default' - In default
- 'Late (31-120 days)' - Delinquent

Example queries:
1. "Top 10 loan amounts" -> SELECT loan_amnt, grade FROM loans ORDER BY loan_amnt DESC LIMIT 10
2. "Default rate by grade" -> SELECT grade, COUNT(*) AS total,
   COUNT(CASE WHEN loan_status IN ('Charged Off', 'Default') THEN 1 END) AS defaults
   FROM loans GROUP BY grade ORDER BY grade`

func buildPrompt(req Request, question string) string {
	maxRows := req.MaxRows
	if maxRows <= 0 {
		maxRows = 1000
	}

	var b strings.Builder
	if req.BuiltIn {
		b.WriteString(builtInSchema)
	} else {
		b.WriteString("Available tables:\n")
		for _, table := range req.Tables {
			fmt.Fprintf(&b, "\nTable: %s\nColumns:\n", table.Ref().QualifiedName())
			for _, column := range table.Columns {
				nullable := ""
				if column.Nullable {
					nullable = ", nullable"
				}
				fmt.Fprintf(&b, "- %s (%s%s)\n", column.Name, column.DataType, nullable)
			}
		}
	}

	fmt.Fprintf(&b, "\n\nUser Question: %s\n\n", question)
	fmt.Fprintf(&b, "Generate a %s SELECT query that answers this question.\n", dialectLabel(req))
	b.WriteString("Requirements:\n")
	b.WriteString("- Use only SELECT statements\n")
	fmt.Fprintf(&b, "- Include LIMIT clause (default %d for safety)\n", maxRows)
	b.WriteString("- Use only the tables and columns listed above\n")
	b.WriteString("- Handle NULL values appropriately\n")
	b.WriteString("\nReturn ONLY the SQL query, no explanations or markdown.")
	return b.String()
}

func dialectLabel(req Request) string {
	if req.Dialect == dialect.MySQL {
		return "MySQL"
	}
	return "PostgreSQL"
}
